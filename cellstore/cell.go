// Package cellstore persists per-prefix geo cells: the aggregate index nodes
// for all records whose SpheriCode shares a prefix.
//
// A cell document holds counters, a bounded member list and child-prefix
// links. Mutations are expressed as idempotent member upserts/removals so
// index updates from different records can interleave in any order. The
// backing byte store is swappable (memory, local filesystem, object storage)
// and every write replaces the whole document atomically.
package cellstore

import (
	"time"

	"github.com/oneminuta/spherigo/refs"
)

// DefaultMemberCap bounds the member list persisted per cell. Cells past the
// cap keep accurate-enough counters but stop listing members; queries descend
// into children instead of using a capped list.
const DefaultMemberCap = 1024

// Member is one record reference held by a cell, tagged so counter
// adjustments on status/category changes don't need a ledger read.
type Member struct {
	Ref      refs.Ref `json:"ref"`
	Status   string   `json:"status"`
	Category string   `json:"category"`
}

// GeoCell is the persisted aggregate document for one code prefix.
type GeoCell struct {
	Prefix           string         `json:"prefix"`
	RecordCount      int            `json:"recordCount"`
	CountsByStatus   map[string]int `json:"countsByStatus"`
	CountsByCategory map[string]int `json:"countsByCategory"`
	Members          []Member       `json:"members"`
	// Overflow marks a cell whose member list hit its cap. Counters on an
	// overflowed cell are best-effort until the next rebuild.
	Overflow    bool      `json:"overflow,omitempty"`
	Children    []string  `json:"children,omitempty"`
	LastIndexed time.Time `json:"lastIndexed"`
}

// NewGeoCell returns an empty cell for the given prefix.
func NewGeoCell(prefix string) *GeoCell {
	return &GeoCell{
		Prefix:           prefix,
		CountsByStatus:   make(map[string]int),
		CountsByCategory: make(map[string]int),
	}
}

func (c *GeoCell) find(ref refs.Ref) int {
	for i := range c.Members {
		if c.Members[i].Ref == ref {
			return i
		}
	}
	return -1
}

// Upsert inserts or retags a member and keeps the aggregate counters in sync.
// Returns false when the cell already holds the member with identical tags,
// so callers can skip the write entirely.
func (c *GeoCell) Upsert(ref refs.Ref, category, status string, memberCap int) bool {
	if memberCap <= 0 {
		memberCap = DefaultMemberCap
	}
	if i := c.find(ref); i >= 0 {
		m := &c.Members[i]
		if m.Status == status && m.Category == category {
			return false
		}
		c.bump(m.Status, m.Category, -1)
		m.Status, m.Category = status, category
		c.bump(status, category, +1)
		return true
	}

	if c.Overflow {
		// Unknown membership: count optimistically, rebuild reconciles.
		c.RecordCount++
		c.bump(status, category, +1)
		return true
	}

	if len(c.Members) >= memberCap {
		c.Overflow = true
		c.RecordCount++
		c.bump(status, category, +1)
		return true
	}

	c.Members = append(c.Members, Member{Ref: ref, Status: status, Category: category})
	c.RecordCount++
	c.bump(status, category, +1)
	return true
}

// Remove drops a member and decrements the counters. Removing an absent
// member from a non-overflowed cell is a no-op (idempotent); on an overflowed
// cell only the total count can be adjusted.
func (c *GeoCell) Remove(ref refs.Ref) bool {
	if i := c.find(ref); i >= 0 {
		m := c.Members[i]
		c.Members = append(c.Members[:i], c.Members[i+1:]...)
		if c.RecordCount > 0 {
			c.RecordCount--
		}
		c.bump(m.Status, m.Category, -1)
		return true
	}
	if c.Overflow && c.RecordCount > 0 {
		c.RecordCount--
		return true
	}
	return false
}

// AddChild records a child prefix link. Returns false if already present.
func (c *GeoCell) AddChild(child string) bool {
	for _, existing := range c.Children {
		if existing == child {
			return false
		}
	}
	c.Children = append(c.Children, child)
	return true
}

func (c *GeoCell) bump(status, category string, delta int) {
	if c.CountsByStatus == nil {
		c.CountsByStatus = make(map[string]int)
	}
	if c.CountsByCategory == nil {
		c.CountsByCategory = make(map[string]int)
	}
	adjust(c.CountsByStatus, status, delta)
	adjust(c.CountsByCategory, category, delta)
}

func adjust(m map[string]int, key string, delta int) {
	n := m[key] + delta
	if n <= 0 {
		delete(m, key)
		return
	}
	m[key] = n
}
