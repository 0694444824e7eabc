package ledger

import (
	"fmt"

	"github.com/oneminuta/spherigo/codec"
	"github.com/oneminuta/spherigo/sphericode"
)

// Fold replays events over a fresh projection. It is pure: the same meta
// and event sequence always produce the same state. The first event must be
// EventCreated; unknown event types are skipped so newer logs stay readable
// by older code.
func Fold(c codec.Codec, bitsPerAxis int, meta RecordMeta, events []Event) (RecordState, error) {
	if c == nil {
		c = codec.Default
	}

	var state RecordState
	if len(events) == 0 {
		return state, fmt.Errorf("ledger: record %s has no events", meta.ID)
	}
	if events[0].Type != EventCreated {
		return state, fmt.Errorf("ledger: record %s: first event is %q, want %q", meta.ID, events[0].Type, EventCreated)
	}

	for i, ev := range events {
		if err := apply(c, bitsPerAxis, &state, ev); err != nil {
			return RecordState{}, fmt.Errorf("ledger: record %s: event %d (%s): %w", meta.ID, i, ev.Type, err)
		}
		state.UpdatedAt = ev.TS
		state.EventCount++
	}

	return state, nil
}

func apply(c codec.Codec, bitsPerAxis int, state *RecordState, ev Event) error {
	switch ev.Type {
	case EventCreated:
		var p CreatedPayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.Price.Currency == "" {
			p.Price.Currency = DefaultCurrency
		}
		code, err := sphericode.Encode(p.Location.Lat, p.Location.Lon, bitsPerAxis)
		if err != nil {
			return err
		}
		state.TradeMode = p.TradeMode
		state.Price = p.Price
		state.Status = p.Status
		state.Location = p.Location
		state.Attributes = p.Attributes
		state.Code = code
	case EventPriceUpdated:
		var p PricePayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.Price.Currency == "" {
			p.Price.Currency = DefaultCurrency
		}
		state.Price = p.Price
	case EventStatusUpdated:
		var p StatusPayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		state.Status = p.Status
	case EventTradeModeUpdated:
		var p TradeModePayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		state.TradeMode = p.TradeMode
	case EventFieldUpdated:
		var p FieldPayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		state.Attributes = state.Attributes.merge(p.Attributes)
	case EventRelocated:
		var p RelocatedPayload
		if err := c.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		code, err := sphericode.Encode(p.Location.Lat, p.Location.Lon, bitsPerAxis)
		if err != nil {
			return err
		}
		state.Location = p.Location
		state.Code = code
	default:
		// Skip unknown event types.
	}
	return nil
}
