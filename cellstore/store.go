package cellstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oneminuta/spherigo/codec"
	"github.com/oneminuta/spherigo/refs"
	"github.com/oneminuta/spherigo/sphericode"
)

// Options configures a Store.
type Options struct {
	// Codec serializes cell documents. Defaults to codec.Default.
	Codec codec.Codec
	// MemberCap bounds the per-cell member list. Defaults to DefaultMemberCap.
	MemberCap int
}

// Store reads and mutates GeoCell documents on top of a Backend.
//
// Each mutation is a read-modify-write of one cell document; the backend's
// atomic Put makes the replacement a single unit. Mutations are idempotent
// per (prefix, ref), so replayed or reordered index updates converge.
type Store struct {
	backend   Backend
	codec     codec.Codec
	memberCap int
	now       func() time.Time
}

// New creates a Store over the given backend.
func New(backend Backend, optFns ...func(o *Options)) *Store {
	opts := Options{Codec: codec.Default, MemberCap: DefaultMemberCap}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.MemberCap <= 0 {
		opts.MemberCap = DefaultMemberCap
	}
	return &Store{
		backend:   backend,
		codec:     opts.Codec,
		memberCap: opts.MemberCap,
		now:       time.Now,
	}
}

// MemberCap returns the configured per-cell member list bound.
func (s *Store) MemberCap() int { return s.memberCap }

// GetCell loads the cell for a prefix. Returns ErrNotFound when the cell has
// never been written.
func (s *Store) GetCell(ctx context.Context, prefix string) (*GeoCell, error) {
	key := sphericode.Normalize(prefix)
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var cell GeoCell
	if err := s.codec.Unmarshal(data, &cell); err != nil {
		return nil, fmt.Errorf("decode cell %s: %w", key, err)
	}
	return &cell, nil
}

// PutCell persists a cell document as-is. Used by rebuilds that assemble
// cells in memory.
func (s *Store) PutCell(ctx context.Context, cell *GeoCell) error {
	data, err := s.codec.Marshal(cell)
	if err != nil {
		return fmt.Errorf("encode cell %s: %w", cell.Prefix, err)
	}
	return s.backend.Put(ctx, sphericode.Normalize(cell.Prefix), data)
}

// UpsertMember inserts or retags ref in the prefix's cell, creating the cell
// on first use. childPrefix, when non-empty, is linked into the cell's
// children list (the caller knows the next maintained depth). Applying an
// identical upsert twice leaves identical state and skips the second write.
func (s *Store) UpsertMember(ctx context.Context, prefix string, ref refs.Ref, category, status, childPrefix string) error {
	key := sphericode.Normalize(prefix)
	cell, err := s.GetCell(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		cell = NewGeoCell(key)
	}

	changed := cell.Upsert(ref, category, status, s.memberCap)
	if childPrefix != "" {
		if cell.AddChild(sphericode.Normalize(childPrefix)) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	cell.LastIndexed = s.now().UTC()
	return s.PutCell(ctx, cell)
}

// RemoveMember drops ref from the prefix's cell. Absent cells and absent
// members are no-ops.
func (s *Store) RemoveMember(ctx context.Context, prefix string, ref refs.Ref) error {
	key := sphericode.Normalize(prefix)
	cell, err := s.GetCell(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !cell.Remove(ref) {
		return nil
	}
	cell.LastIndexed = s.now().UTC()
	return s.PutCell(ctx, cell)
}

// DeleteCell removes a cell document entirely.
func (s *Store) DeleteCell(ctx context.Context, prefix string) error {
	return s.backend.Delete(ctx, sphericode.Normalize(prefix))
}

// ListPrefixes returns every stored cell prefix, sorted.
func (s *Store) ListPrefixes(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx, "")
}

// Clear deletes every cell. Rebuilds call this before replaying.
func (s *Store) Clear(ctx context.Context) error {
	prefixes, err := s.ListPrefixes(ctx)
	if err != nil {
		return err
	}
	for _, p := range prefixes {
		if err := s.backend.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
