package spherigo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/cover"
	"github.com/oneminuta/spherigo/geodist"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/refs"
	"github.com/oneminuta/spherigo/sphericode"
)

const (
	// DefaultLimit is applied when a query does not set one.
	DefaultLimit = 20

	// MaxLimit caps the result count of a single search.
	MaxLimit = 100

	// searchConcurrency bounds parallel cell and state reads.
	searchConcurrency = 8
)

// GeoPoint is a search center.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// FilterSet narrows search results. Zero values mean "any"; pointer fields
// distinguish unset bounds from zero bounds.
type FilterSet struct {
	Category  ledger.Category
	Status    ledger.Status
	TradeMode ledger.TradeMode

	MinPrice *float64
	MaxPrice *float64

	MinBedrooms  *int
	MaxBedrooms  *int
	MinBathrooms *int
	MaxBathrooms *int

	Furnished *bool
}

// matchTags is the cheap pre-filter on cell member tags, applied before any
// ledger read. Tags carry category and status only.
func (f FilterSet) matchTags(m cellstore.Member) bool {
	if f.Category != "" && string(f.Category) != m.Category {
		return false
	}
	if f.Status != "" && string(f.Status) != m.Status {
		return false
	}
	return true
}

// match is the authoritative filter against the record's current state.
func (f FilterSet) match(state ledger.RecordState) bool {
	if f.Status != "" && f.Status != state.Status {
		return false
	}
	if f.TradeMode != "" && f.TradeMode != state.TradeMode && state.TradeMode != ledger.TradeBoth {
		return false
	}
	if f.MinPrice != nil && state.Price.Value < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && state.Price.Value > *f.MaxPrice {
		return false
	}
	a := state.Attributes
	if f.MinBedrooms != nil && (a.Bedrooms == nil || *a.Bedrooms < *f.MinBedrooms) {
		return false
	}
	if f.MaxBedrooms != nil && (a.Bedrooms == nil || *a.Bedrooms > *f.MaxBedrooms) {
		return false
	}
	if f.MinBathrooms != nil && (a.Bathrooms == nil || *a.Bathrooms < *f.MinBathrooms) {
		return false
	}
	if f.MaxBathrooms != nil && (a.Bathrooms == nil || *a.Bathrooms > *f.MaxBathrooms) {
		return false
	}
	if f.Furnished != nil && (a.Furnished == nil || *a.Furnished != *f.Furnished) {
		return false
	}
	return true
}

// Query is a radius search request.
type Query struct {
	Center  GeoPoint
	RadiusM float64
	Filters FilterSet

	// Limit caps the result count; 0 means DefaultLimit, values above
	// MaxLimit are clamped.
	Limit int
}

// Result is one search hit, sorted by great-circle distance.
type Result struct {
	Ref       refs.Ref
	DistanceM float64
	State     ledger.RecordState
}

// Search returns records within the query radius, nearest first. The cell
// cover guarantees no false negatives for indexed records; exact distance
// and filters are applied against each candidate's current state. Candidates
// whose state cannot be read are skipped, not fatal.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	results, cellsRead, err := e.search(ctx, q)
	e.metrics.RecordSearch(cellsRead, len(results), time.Since(start), err)
	e.logger.LogSearch(ctx, q.RadiusM, cellsRead, len(results), err)
	return results, err
}

func (e *Engine) search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.RadiusM <= 0 || math.IsInf(q.RadiusM, 0) || math.IsNaN(q.RadiusM) {
		return nil, 0, &ErrInvalidRadius{Radius: q.RadiusM}
	}
	if q.Limit < 0 {
		return nil, 0, &ErrInvalidLimit{Limit: q.Limit}
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if err := sphericode.Validate(q.Center.Lat, q.Center.Lon); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	cov, err := cover.For(q.Center.Lat, q.Center.Lon, q.RadiusM, e.coverOptions())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	candidates, cellsRead, err := e.collectCandidates(ctx, cov.Prefixes, q.Filters)
	if err != nil {
		return nil, cellsRead, err
	}

	results, err := e.resolveCandidates(ctx, q, limit, candidates)
	return results, cellsRead, err
}

// candidateSet accumulates deduplicated member refs across cells. Refs are
// interned to dense IDs and tracked in a roaring bitmap so the same record
// seen in overlapping cells costs one bit, not one allocation.
type candidateSet struct {
	mu       sync.Mutex
	interner *refs.Interner
	seen     *roaring.Bitmap
	members  map[uint32]cellstore.Member
}

func newCandidateSet() *candidateSet {
	return &candidateSet{
		interner: refs.NewInterner(),
		seen:     roaring.New(),
		members:  make(map[uint32]cellstore.Member),
	}
}

func (cs *candidateSet) add(m cellstore.Member) {
	id := cs.interner.Intern(m.Ref)
	cs.mu.Lock()
	if cs.seen.CheckedAdd(id) {
		cs.members[id] = m
	}
	cs.mu.Unlock()
}

// collectCandidates reads the cover's cells and gathers tag-filtered member
// refs. Overflowed cells with children are descended instead of trusted: the
// parent's member list is incomplete, the children's union is not. Missing
// cells are empty areas, not errors.
func (e *Engine) collectCandidates(ctx context.Context, prefixes []string, filters FilterSet) (*candidateSet, int, error) {
	cs := newCandidateSet()
	visited := make(map[string]struct{}, len(prefixes))
	queue := append([]string(nil), prefixes...)

	var mu sync.Mutex // guards visited, next and cellsRead
	cellsRead := 0

	for len(queue) > 0 {
		batch := queue[:0:0]
		mu.Lock()
		for _, p := range queue {
			if _, ok := visited[p]; ok {
				continue
			}
			visited[p] = struct{}{}
			batch = append(batch, p)
		}
		mu.Unlock()
		queue = nil
		if len(batch) == 0 {
			break
		}

		var next []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(searchConcurrency)
		for _, prefix := range batch {
			prefix := prefix
			g.Go(func() error {
				cell, err := e.cells.GetCell(gctx, prefix)
				if err != nil {
					if errors.Is(err, cellstore.ErrNotFound) {
						return nil
					}
					return fmt.Errorf("%w: cell %q: %w", ErrStorageUnavailable, prefix, err)
				}
				mu.Lock()
				cellsRead++
				mu.Unlock()

				if cell.Overflow && len(cell.Children) > 0 {
					mu.Lock()
					next = append(next, cell.Children...)
					mu.Unlock()
					return nil
				}
				for _, m := range cell.Members {
					if filters.matchTags(m) {
						cs.add(m)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, cellsRead, err
		}
		queue = next
	}

	return cs, cellsRead, nil
}

// resolveCandidates loads candidate states, applies exact distance and the
// full filter set, and returns the nearest hits.
func (e *Engine) resolveCandidates(ctx context.Context, q Query, limit int, cs *candidateSet) ([]Result, error) {
	var (
		mu      sync.Mutex
		results []Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)

	it := cs.seen.Iterator()
	for it.HasNext() {
		id := it.Next()
		ref, ok := cs.interner.Lookup(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			state, err := e.led.ReadState(gctx, ref)
			if err != nil {
				// A record deleted or damaged between index read and
				// resolution is skipped, never a search failure.
				e.logger.DebugContext(gctx, "skipping unresolvable candidate",
					"ref", string(ref), "error", err)
				return nil
			}
			if state.Status.Terminal() {
				return nil
			}
			if !q.Filters.match(state) {
				return nil
			}
			d := geodist.Distance(q.Center.Lat, q.Center.Lon, state.Location.Lat, state.Location.Lon)
			if d > q.RadiusM {
				return nil
			}
			mu.Lock()
			results = append(results, Result{Ref: ref, DistanceM: d, State: state})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].DistanceM != results[j].DistanceM {
			return results[i].DistanceM < results[j].DistanceM
		}
		return results[i].Ref < results[j].Ref
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
