package spherigo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/refs"
)

func newTestEngine(t *testing.T, optFns ...Option) *Engine {
	t.Helper()
	opts := append([]Option{
		WithBackend(cellstore.NewMemoryBackend()),
		WithSyncIndexing(),
	}, optFns...)
	eng, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func createListing(t *testing.T, eng *Engine, owner string, lat, lon float64, category ledger.Category, price float64) refs.Ref {
	t.Helper()
	ref, _, err := eng.CreateRecord(context.Background(), ledger.RecordMeta{
		Owner:    owner,
		Category: category,
	}, ledger.CreatedPayload{
		TradeMode: ledger.TradeRent,
		Price:     ledger.Price{Value: price, Currency: "THB", Period: "month"},
		Status:    ledger.StatusAvailable,
		Location:  ledger.Location{Lat: lat, Lon: lon},
	})
	require.NoError(t, err)
	return ref
}

func TestEngine_SearchRadius(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	// ~1km from the search center.
	near := createListing(t, eng, "alice", 7.78650, 98.33200, ledger.CategoryCondo, 25000)
	// ~14km away (airport).
	far := createListing(t, eng, "alice", 7.90530, 98.30310, ledger.CategoryVilla, 60000)
	// Bangkok, ~680km away.
	bkk := createListing(t, eng, "bob", 13.7563, 100.5018, ledger.CategoryCondo, 30000)

	results, err := eng.Search(ctx, Query{
		Center:  GeoPoint{Lat: 7.77965, Lon: 98.32532},
		RadiusM: 5000,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, near, results[0].Ref)
	assert.InDelta(t, 1060, results[0].DistanceM, 20)

	// A wider radius picks up the airport but not Bangkok.
	results, err = eng.Search(ctx, Query{
		Center:  GeoPoint{Lat: 7.77965, Lon: 98.32532},
		RadiusM: 20000,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near, results[0].Ref)
	assert.Equal(t, far, results[1].Ref)
	assert.Less(t, results[0].DistanceM, results[1].DistanceM)

	for _, r := range results {
		assert.NotEqual(t, bkk, r.Ref)
	}
}

func TestEngine_SearchFilters(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	condo := createListing(t, eng, "alice", 7.78650, 98.33200, ledger.CategoryCondo, 25000)
	villa := createListing(t, eng, "alice", 7.78100, 98.32700, ledger.CategoryVilla, 90000)

	center := GeoPoint{Lat: 7.77965, Lon: 98.32532}

	results, err := eng.Search(ctx, Query{
		Center: center, RadiusM: 5000,
		Filters: FilterSet{Category: ledger.CategoryCondo},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, condo, results[0].Ref)

	maxPrice := 50000.0
	results, err = eng.Search(ctx, Query{
		Center: center, RadiusM: 5000,
		Filters: FilterSet{MaxPrice: &maxPrice},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, condo, results[0].Ref)

	// Attribute filters only match records that carry the attribute.
	bedrooms := 3
	_, err = eng.UpdateFields(ctx, villa, ledger.Attributes{Bedrooms: &bedrooms}, "alice")
	require.NoError(t, err)

	minBedrooms := 2
	results, err = eng.Search(ctx, Query{
		Center: center, RadiusM: 5000,
		Filters: FilterSet{MinBedrooms: &minBedrooms},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, villa, results[0].Ref)
}

func TestEngine_SearchValidation(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	_, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 0})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: -100})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 95, Lon: 98.33}, RadiusM: 1000})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 1000, Limit: -1})
	require.ErrorIs(t, err, ErrInvalidQuery)

	// Empty area is an empty result, not an error.
	results, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: -45, Lon: -120}, RadiusM: 5000})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_SearchLimit(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	for i := 0; i < 30; i++ {
		createListing(t, eng, "alice", 7.78+float64(i)*0.0005, 98.33, ledger.CategoryCondo, 20000)
	}

	// Default limit.
	results, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 10000})
	require.NoError(t, err)
	assert.Len(t, results, DefaultLimit)

	// Explicit limit.
	results, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 10000, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, results, 5)

	// Nearest first.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].DistanceM, results[i].DistanceM)
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	ref := createListing(t, eng, "alice", 7.78650, 98.33200, ledger.CategoryCondo, 25000)
	center := GeoPoint{Lat: 7.77965, Lon: 98.32532}

	// Status change filters the record out of mismatched queries.
	_, err := eng.UpdateStatus(ctx, ref, ledger.StatusPending, "alice")
	require.NoError(t, err)
	results, err := eng.Search(ctx, Query{
		Center: center, RadiusM: 5000,
		Filters: FilterSet{Status: ledger.StatusAvailable},
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Price and trade mode updates do not change indexing.
	_, err = eng.UpdatePrice(ctx, ref, ledger.Price{Value: 27000, Currency: "THB", Period: "month"}, "alice")
	require.NoError(t, err)
	_, err = eng.UpdateTradeMode(ctx, ref, ledger.TradeBoth, "alice")
	require.NoError(t, err)
	results, err = eng.Search(ctx, Query{Center: center, RadiusM: 5000})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 27000.0, results[0].State.Price.Value)

	// Relocation moves the record between areas.
	_, err = eng.Relocate(ctx, ref, ledger.Location{Lat: 13.7563, Lon: 100.5018, City: "Bangkok"}, "alice")
	require.NoError(t, err)
	results, err = eng.Search(ctx, Query{Center: center, RadiusM: 5000})
	require.NoError(t, err)
	assert.Empty(t, results)
	results, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 13.7563, Lon: 100.5018}, RadiusM: 5000})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Terminal status drops the record from search but not from the ledger.
	_, err = eng.UpdateStatus(ctx, ref, ledger.StatusRemoved, "alice")
	require.NoError(t, err)
	results, err = eng.Search(ctx, Query{Center: GeoPoint{Lat: 13.7563, Lon: 100.5018}, RadiusM: 5000})
	require.NoError(t, err)
	assert.Empty(t, results)

	meta, state, err := eng.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryCondo, meta.Category)
	assert.Equal(t, ledger.StatusRemoved, state.Status)

	// The full history is still readable after Close flushed the archive.
	require.NoError(t, eng.Close())
	events, err := eng.led.Events(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestEngine_GetNotFound(t *testing.T) {
	eng := newTestEngine(t)
	_, _, err := eng.Get(context.Background(), refs.New("nobody", "missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	_, _, err := eng.CreateRecord(ctx, ledger.RecordMeta{Owner: "alice", Category: "castle"}, ledger.CreatedPayload{
		TradeMode: ledger.TradeRent,
		Status:    ledger.StatusAvailable,
		Location:  ledger.Location{Lat: 7.78, Lon: 98.33},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	ref := createListing(t, eng, "alice", 7.78, 98.33, ledger.CategoryCondo, 1000)
	_, err = eng.UpdateStatus(ctx, ref, "vanished", "alice")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = eng.Relocate(ctx, ref, ledger.Location{Lat: 91, Lon: 0}, "alice")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_RebuildAndVerify(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	var live []refs.Ref
	for i := 0; i < 5; i++ {
		live = append(live, createListing(t, eng, "alice", 7.78+float64(i)*0.01, 98.33, ledger.CategoryCondo, 20000))
	}
	removed := createListing(t, eng, "bob", 7.78, 98.34, ledger.CategoryVilla, 50000)
	_, err := eng.UpdateStatus(ctx, removed, ledger.StatusRemoved, "bob")
	require.NoError(t, err)

	issues, err := eng.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	stats, err := eng.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)

	issues, err = eng.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	results, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.8, Lon: 98.33}, RadiusM: 50000, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, results, len(live))
}

func TestEngine_OverflowDescent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithMemberCap(2))

	// More records in one small area than a cell can list.
	var all []refs.Ref
	for i := 0; i < 6; i++ {
		all = append(all, createListing(t, eng, "alice", 7.780+float64(i)*0.02, 98.33, ledger.CategoryCondo, 20000))
	}

	// A rebuild gives every cell a consistent member list and child links.
	_, err := eng.Rebuild(ctx)
	require.NoError(t, err)

	results, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.83, Lon: 98.33}, RadiusM: 30000, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, results, len(all))
}

func TestEngine_ClosedRejectsOperations(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.Close())

	_, err := eng.Search(context.Background(), Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 1000})
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = eng.Get(context.Background(), refs.New("a", "b"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = eng.Rebuild(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngine_Metrics(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	eng := newTestEngine(t, WithMetricsCollector(metrics))

	createListing(t, eng, "alice", 7.78, 98.33, ledger.CategoryCondo, 1000)
	_, err := eng.Search(ctx, Query{Center: GeoPoint{Lat: 7.78, Lon: 98.33}, RadiusM: 1000})
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.EqualValues(t, 1, stats.AppendCount)
	assert.EqualValues(t, 1, stats.SearchCount)
	assert.EqualValues(t, 1, stats.IndexUpdateCount)
	assert.Zero(t, stats.SearchErrors)
}
