// Package spherigo is an embedded geo-indexed listing store for Go.
//
// Spherigo encodes coordinates into SpheriCodes (Morton-interleaved
// lat/lon rendered in Crockford Base32), keeps every listing in an
// append-only per-record event ledger, and maintains a prefix-addressed
// cell index so radius queries touch a handful of small aggregate
// documents instead of scanning records.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, err := spherigo.New("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer eng.Close()
//
//	ref, _, err := eng.CreateRecord(ctx, ledger.RecordMeta{
//	    Owner:    "alice",
//	    Category: ledger.CategoryCondo,
//	}, ledger.CreatedPayload{
//	    TradeMode: ledger.TradeRent,
//	    Price:     ledger.Price{Value: 25000, Currency: "THB", Period: "month"},
//	    Status:    ledger.StatusAvailable,
//	    Location:  ledger.Location{Lat: 7.77965, Lon: 98.32532, City: "Phuket"},
//	})
//
// Search within a radius:
//
//	results, err := eng.Search(ctx, spherigo.Query{
//	    Center:  spherigo.GeoPoint{Lat: 7.78, Lon: 98.33},
//	    RadiusM: 5000,
//	    Filters: spherigo.FilterSet{Category: ledger.CategoryCondo},
//	})
//	for _, r := range results {
//	    fmt.Println(r.Ref, r.DistanceM)
//	}
//
// # Consistency Model
//
// The ledger is the source of truth. Cell documents are derived aggregates:
// index updates run in the background by default (WithSyncIndexing makes
// them inline), counters on overflowed cells are best-effort, and Rebuild
// reconstructs the whole index from the event logs at any time. Search never
// returns false negatives for indexed records; stale candidates are filtered
// out against current record state.
//
// # Storage
//
// Records and cells live on the local filesystem by default. Cells can be
// kept in any S3-compatible object store via cellstore.NewMinioBackend, with
// an optional Redis read-through cache (WithRedisCache) in front.
package spherigo
