package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/refs"
)

func newTestBuilder(t *testing.T) (*Builder, *cellstore.Store, *ledger.Ledger) {
	t.Helper()
	cells := cellstore.New(cellstore.NewMemoryBackend())
	led := ledger.New(t.TempDir())
	return New(cells, led), cells, led
}

func createRecord(t *testing.T, led *ledger.Ledger, owner string, lat, lon float64) (refs.Ref, ledger.RecordMeta, ledger.RecordState) {
	t.Helper()
	meta, state, err := led.Create(context.Background(), ledger.RecordMeta{
		Owner:    owner,
		Category: ledger.CategoryCondo,
	}, ledger.CreatedPayload{
		TradeMode: ledger.TradeRent,
		Price:     ledger.Price{Value: 20000, Currency: "THB", Period: "month"},
		Status:    ledger.StatusAvailable,
		Location:  ledger.Location{Lat: lat, Lon: lon},
	})
	require.NoError(t, err)
	return refs.New(meta.Owner, meta.ID), meta, state
}

func TestBuilder_IndexAllDepths(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.Index(ctx, ref, meta.Category, state))

	// Depth 8 clamps to the 7-symbol code, so the chain is 2, 4, 6, 7.
	wantPrefixes := []string{state.Code[:2], state.Code[:4], state.Code[:6], state.Code}
	for _, p := range wantPrefixes {
		cell, err := cells.GetCell(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, 1, cell.RecordCount, p)
		assert.Equal(t, 1, cell.CountsByStatus["available"], p)
	}

	// Parents link the next-deeper prefix.
	parent, err := cells.GetCell(ctx, state.Code[:4])
	require.NoError(t, err)
	assert.Equal(t, []string{state.Code[:6]}, parent.Children)

	// Indexing twice changes nothing.
	require.NoError(t, b.Index(ctx, ref, meta.Category, state))
	cell, err := cells.GetCell(ctx, state.Code[:2])
	require.NoError(t, err)
	assert.Equal(t, 1, cell.RecordCount)
}

func TestBuilder_Deindex(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.Index(ctx, ref, meta.Category, state))
	require.NoError(t, b.Deindex(ctx, ref, state.Code))

	cell, err := cells.GetCell(ctx, state.Code[:2])
	require.NoError(t, err)
	assert.Zero(t, cell.RecordCount)
	assert.Empty(t, cell.Members)

	// Deindexing an unindexed record is a no-op.
	require.NoError(t, b.Deindex(ctx, ref, state.Code))
}

func TestBuilder_ApplyTransition_Relocate(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, nil, state))

	// Move from Phuket to Bangkok.
	next, err := led.Append(ctx, ref, ledger.EventRelocated,
		ledger.RelocatedPayload{Location: ledger.Location{Lat: 13.7563, Lon: 100.5018}}, "")
	require.NoError(t, err)
	require.NotEqual(t, state.Code, next.Code)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, &state, next))

	old, err := cells.GetCell(ctx, state.Code[:4])
	require.NoError(t, err)
	assert.Zero(t, old.RecordCount)

	fresh, err := cells.GetCell(ctx, next.Code[:4])
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.RecordCount)
}

func TestBuilder_ApplyTransition_Terminal(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, nil, state))

	next, err := led.Append(ctx, ref, ledger.EventStatusUpdated,
		ledger.StatusPayload{Status: ledger.StatusRemoved}, "")
	require.NoError(t, err)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, &state, next))

	cell, err := cells.GetCell(ctx, state.Code[:2])
	require.NoError(t, err)
	assert.Zero(t, cell.RecordCount)
}

func TestBuilder_ApplyTransition_StatusRetag(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, nil, state))

	next, err := led.Append(ctx, ref, ledger.EventStatusUpdated,
		ledger.StatusPayload{Status: ledger.StatusPending}, "")
	require.NoError(t, err)
	require.NoError(t, b.ApplyTransition(ctx, ref, meta.Category, &state, next))

	cell, err := cells.GetCell(ctx, state.Code[:6])
	require.NoError(t, err)
	assert.Equal(t, 1, cell.RecordCount)
	assert.NotContains(t, cell.CountsByStatus, "available")
	assert.Equal(t, 1, cell.CountsByStatus["pending"])
}

func TestBuilder_Rebuild(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	// Three live records, one removed.
	var live []refs.Ref
	points := [][2]float64{{7.77965, 98.32532}, {7.78650, 98.33200}, {13.7563, 100.5018}}
	for _, p := range points {
		ref, _, _ := createRecord(t, led, "alice", p[0], p[1])
		live = append(live, ref)
	}
	removedRef, _, _ := createRecord(t, led, "bob", 7.8, 98.3)
	_, err := led.Append(ctx, removedRef, ledger.EventStatusUpdated,
		ledger.StatusPayload{Status: ledger.StatusRemoved}, "")
	require.NoError(t, err)

	stats, err := b.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Records)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.Positive(t, stats.Cells)

	// Every live record is findable in its own cells.
	for _, ref := range live {
		state, err := led.ReadState(ctx, ref)
		require.NoError(t, err)
		cell, err := cells.GetCell(ctx, state.Code[:2])
		require.NoError(t, err)
		found := false
		for _, m := range cell.Members {
			if m.Ref == ref {
				found = true
			}
		}
		assert.True(t, found, string(ref))
	}

	// The removed record is nowhere.
	removedState, err := led.ReadState(ctx, removedRef)
	require.NoError(t, err)
	cell, err := cells.GetCell(ctx, removedState.Code[:2])
	require.NoError(t, err)
	for _, m := range cell.Members {
		assert.NotEqual(t, removedRef, m.Ref)
	}
}

func TestBuilder_Rebuild_MatchesIncremental(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref1, meta1, s1 := createRecord(t, led, "alice", 7.77965, 98.32532)
	ref2, meta2, s2 := createRecord(t, led, "bob", 7.78650, 98.33200)
	require.NoError(t, b.ApplyTransition(ctx, ref1, meta1.Category, nil, s1))
	require.NoError(t, b.ApplyTransition(ctx, ref2, meta2.Category, nil, s2))

	incremental := snapshotCells(t, cells)

	_, err := b.Rebuild(ctx)
	require.NoError(t, err)
	rebuilt := snapshotCells(t, cells)

	require.Equal(t, len(incremental), len(rebuilt))
	for prefix, inc := range incremental {
		reb, ok := rebuilt[prefix]
		require.True(t, ok, prefix)
		assert.Equal(t, inc.RecordCount, reb.RecordCount, prefix)
		assert.Equal(t, inc.CountsByStatus, reb.CountsByStatus, prefix)
		assert.Equal(t, inc.CountsByCategory, reb.CountsByCategory, prefix)
		assert.ElementsMatch(t, inc.Members, reb.Members, prefix)
		assert.ElementsMatch(t, inc.Children, reb.Children, prefix)
	}

	// Rebuilding again produces the same cells.
	_, err = b.Rebuild(ctx)
	require.NoError(t, err)
	again := snapshotCells(t, cells)
	for prefix, reb := range rebuilt {
		assert.Equal(t, reb.Members, again[prefix].Members, prefix)
	}
}

func snapshotCells(t *testing.T, cells *cellstore.Store) map[string]*cellstore.GeoCell {
	t.Helper()
	ctx := context.Background()
	prefixes, err := cells.ListPrefixes(ctx)
	require.NoError(t, err)
	out := make(map[string]*cellstore.GeoCell, len(prefixes))
	for _, p := range prefixes {
		cell, err := cells.GetCell(ctx, p)
		require.NoError(t, err)
		out[p] = cell
	}
	return out
}

func TestBuilder_Verify(t *testing.T) {
	ctx := context.Background()
	b, cells, led := newTestBuilder(t)

	ref, meta, state := createRecord(t, led, "alice", 7.77965, 98.32532)
	require.NoError(t, b.Index(ctx, ref, meta.Category, state))

	issues, err := b.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// Corrupt a counter.
	cell, err := cells.GetCell(ctx, state.Code[:4])
	require.NoError(t, err)
	cell.RecordCount = 7
	require.NoError(t, cells.PutCell(ctx, cell))

	issues, err = b.Verify(ctx)
	require.ErrorIs(t, err, ErrInconsistentIndex)
	assert.NotEmpty(t, issues)
}
