// Package ledger is the source of truth for records: immutable metadata, an
// append-only event log per record, and a mutable state projection that is
// always a pure fold over that log.
//
// The geo index is derived state; anything it holds can be rebuilt from the
// ledger. Records are never physically deleted; deactivation is an event.
package ledger

import (
	"encoding/json"
	"time"
)

// Category classifies a property listing.
type Category string

const (
	CategoryCondo     Category = "condo"
	CategoryVilla     Category = "villa"
	CategoryHouse     Category = "house"
	CategoryLand      Category = "land"
	CategoryTownhouse Category = "townhouse"
	CategoryShophouse Category = "shophouse"
	CategoryOther     Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCondo, CategoryVilla, CategoryHouse, CategoryLand,
		CategoryTownhouse, CategoryShophouse, CategoryOther:
		return true
	}
	return false
}

// TradeMode is the transactional mode of a listing.
type TradeMode string

const (
	TradeRent TradeMode = "rent"
	TradeSale TradeMode = "sale"
	TradeBoth TradeMode = "both"
)

// Valid reports whether m is a known trade mode.
func (m TradeMode) Valid() bool {
	return m == TradeRent || m == TradeSale || m == TradeBoth
}

// Status is the lifecycle status of a listing.
type Status string

const (
	StatusAvailable Status = "available"
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusSold      Status = "sold"
	StatusRemoved   Status = "removed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusPending, StatusLeased, StatusSold, StatusRemoved:
		return true
	}
	return false
}

// Terminal reports whether s ends a record's life in the geo index.
// Terminal records stay in the ledger but lose their cell membership.
func (s Status) Terminal() bool {
	return s == StatusRemoved
}

// Price is a monetary amount with currency and optional billing period
// ("month", "year"; empty for sale prices).
type Price struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
	Period   string  `json:"period,omitempty"`
}

// DefaultCurrency is applied when a price carries no currency.
const DefaultCurrency = "THB"

// Location is a validated geographic position with human-readable tags.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city,omitempty"`
	Area    string  `json:"area,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Attributes are the structured, filterable listing attributes. Pointer
// fields distinguish "unset" from zero.
type Attributes struct {
	Bedrooms    *int     `json:"bedrooms,omitempty"`
	Bathrooms   *int     `json:"bathrooms,omitempty"`
	AreaSqm     *float64 `json:"areaSqm,omitempty"`
	Floor       *int     `json:"floor,omitempty"`
	TotalFloors *int     `json:"totalFloors,omitempty"`
	Furnished   *bool    `json:"furnished,omitempty"`
	Parking     *int     `json:"parking,omitempty"`
}

// merge applies the set fields of other on top of a.
func (a Attributes) merge(other Attributes) Attributes {
	if other.Bedrooms != nil {
		a.Bedrooms = other.Bedrooms
	}
	if other.Bathrooms != nil {
		a.Bathrooms = other.Bathrooms
	}
	if other.AreaSqm != nil {
		a.AreaSqm = other.AreaSqm
	}
	if other.Floor != nil {
		a.Floor = other.Floor
	}
	if other.TotalFloors != nil {
		a.TotalFloors = other.TotalFloors
	}
	if other.Furnished != nil {
		a.Furnished = other.Furnished
	}
	if other.Parking != nil {
		a.Parking = other.Parking
	}
	return a
}

// RecordMeta is the immutable identity document written once at creation.
type RecordMeta struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	Category        Category  `json:"category"`
	CreatedAt       time.Time `json:"createdAt"`
	SourceChannel   string    `json:"sourceChannel,omitempty"`
	SourceMessageID int64     `json:"sourceMessageId,omitempty"`
}

// RecordState is the mutable projection: a cache of the fold over the
// record's events, rebuildable at any time.
type RecordState struct {
	TradeMode  TradeMode  `json:"tradeMode"`
	Price      Price      `json:"price"`
	Status     Status     `json:"status"`
	Code       string     `json:"code"`
	Location   Location   `json:"location"`
	Attributes Attributes `json:"attributes"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	// EventCount is the number of events folded into this projection.
	EventCount int `json:"eventCount"`
}

// EventType enumerates the append-only event kinds.
type EventType string

const (
	EventCreated          EventType = "created"
	EventPriceUpdated     EventType = "price_updated"
	EventStatusUpdated    EventType = "status_updated"
	EventTradeModeUpdated EventType = "trade_mode_updated"
	EventFieldUpdated     EventType = "field_updated"
	EventRelocated        EventType = "relocated"
)

// Event is one entry of a record's append-only log.
type Event struct {
	TS      time.Time       `json:"ts"`
	Type    EventType       `json:"type"`
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// CreatedPayload initializes the projection.
type CreatedPayload struct {
	TradeMode  TradeMode  `json:"tradeMode"`
	Price      Price      `json:"price"`
	Status     Status     `json:"status"`
	Location   Location   `json:"location"`
	Attributes Attributes `json:"attributes"`
}

// PricePayload carries a price change.
type PricePayload struct {
	Price Price `json:"price"`
}

// StatusPayload carries a status change.
type StatusPayload struct {
	Status Status `json:"status"`
}

// TradeModePayload carries a trade-mode change.
type TradeModePayload struct {
	TradeMode TradeMode `json:"tradeMode"`
}

// FieldPayload carries a partial attribute update; only set fields apply.
type FieldPayload struct {
	Attributes Attributes `json:"attributes"`
}

// RelocatedPayload carries a location change. The record's SpheriCode is
// recomputed from it during the fold.
type RelocatedPayload struct {
	Location Location `json:"location"`
}
