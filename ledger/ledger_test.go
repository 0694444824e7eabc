package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneminuta/spherigo/refs"
)

func testMeta() RecordMeta {
	return RecordMeta{
		Owner:    "alice",
		Category: CategoryCondo,
	}
}

func testCreated() CreatedPayload {
	return CreatedPayload{
		TradeMode: TradeRent,
		Price:     Price{Value: 25000, Currency: "THB", Period: "month"},
		Status:    StatusAvailable,
		Location:  Location{Lat: 7.77965, Lon: 98.32532, City: "Phuket"},
	}
}

func TestLedger_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	meta, state, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	require.False(t, meta.CreatedAt.IsZero())

	assert.Equal(t, StatusAvailable, state.Status)
	assert.Equal(t, TradeRent, state.TradeMode)
	assert.Equal(t, 25000.0, state.Price.Value)
	assert.Len(t, state.Code, 7)
	assert.Equal(t, 1, state.EventCount)

	ref := refs.New(meta.Owner, meta.ID)

	gotMeta, err := led.ReadMeta(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, gotMeta.ID)
	assert.Equal(t, CategoryCondo, gotMeta.Category)

	gotState, err := led.ReadState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, state, gotState)

	// Creating the same record again fails.
	dup := testMeta()
	dup.ID = meta.ID
	_, _, err = led.Create(ctx, dup, testCreated())
	require.ErrorIs(t, err, ErrRecordExists)
}

func TestLedger_AppendFoldsState(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	meta, created, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	ref := refs.New(meta.Owner, meta.ID)

	state, err := led.Append(ctx, ref, EventPriceUpdated, PricePayload{Price: Price{Value: 27000, Currency: "THB", Period: "month"}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 27000.0, state.Price.Value)
	assert.Equal(t, 2, state.EventCount)

	state, err = led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: StatusPending}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)

	bedrooms := 2
	state, err = led.Append(ctx, ref, EventFieldUpdated, FieldPayload{Attributes: Attributes{Bedrooms: &bedrooms}}, "alice")
	require.NoError(t, err)
	require.NotNil(t, state.Attributes.Bedrooms)
	assert.Equal(t, 2, *state.Attributes.Bedrooms)

	// Relocation recomputes the code.
	state, err = led.Append(ctx, ref, EventRelocated, RelocatedPayload{Location: Location{Lat: 13.7563, Lon: 100.5018, City: "Bangkok"}}, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, created.Code, state.Code)
	assert.Equal(t, "Bangkok", state.Location.City)

	// The cached projection equals a fresh fold over the log.
	cached, err := led.ReadState(ctx, ref)
	require.NoError(t, err)
	folded, err := led.FoldState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, folded, cached)
	assert.Equal(t, 5, folded.EventCount)
}

func TestLedger_AppendValidation(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	meta, _, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	ref := refs.New(meta.Owner, meta.ID)

	_, err = led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: "vanished"}, "")
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = led.Append(ctx, ref, EventRelocated, RelocatedPayload{Location: Location{Lat: 91, Lon: 0}}, "")
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = led.Append(ctx, ref, EventPriceUpdated, PricePayload{Price: Price{Value: -1}}, "")
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = led.Append(ctx, ref, "exploded", StatusPayload{Status: StatusSold}, "")
	require.ErrorIs(t, err, ErrInvalidEvent)

	// Failed appends leave the projection untouched.
	state, err := led.ReadState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, state.EventCount)
}

func TestLedger_NotFound(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	ref := refs.New("nobody", "missing")
	_, err := led.ReadMeta(ctx, ref)
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = led.ReadState(ctx, ref)
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: StatusSold}, "")
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = led.Events(ctx, ref)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestLedger_DefaultCurrency(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	created := testCreated()
	created.Price.Currency = ""
	_, state, err := led.Create(ctx, testMeta(), created)
	require.NoError(t, err)
	assert.Equal(t, DefaultCurrency, state.Price.Currency)
}

func TestLedger_ListRecords(t *testing.T) {
	ctx := context.Background()
	led := New(t.TempDir())

	// Empty root.
	recs, err := led.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	var want []refs.Ref
	for _, owner := range []string{"alice", "bob"} {
		meta := testMeta()
		meta.Owner = owner
		m, _, err := led.Create(ctx, meta, testCreated())
		require.NoError(t, err)
		want = append(want, refs.New(m.Owner, m.ID))
	}

	recs, err = led.ListRecords(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, recs)
}

func TestLedger_ArchiveEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	led := New(dir)

	meta, _, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	ref := refs.New(meta.Owner, meta.ID)

	_, err = led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: StatusSold}, "alice")
	require.NoError(t, err)

	require.NoError(t, led.ArchiveEvents(ctx, ref))

	// The live ndjson is gone, the zstd segment holds everything.
	recordDir := filepath.Join(dir, meta.Owner, meta.ID)
	_, err = os.Stat(filepath.Join(recordDir, eventsFile))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(recordDir, archiveFile))
	require.NoError(t, err)

	events, err := led.Events(ctx, ref)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, EventStatusUpdated, events[1].Type)

	// Appends after archiving keep working and fold over both segments.
	state, err := led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: StatusAvailable}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, state.EventCount)
	assert.Equal(t, StatusAvailable, state.Status)
}

func TestLedger_TornTailTolerated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	led := New(dir)

	meta, _, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	ref := refs.New(meta.Owner, meta.ID)

	// Simulate a crash mid-append: a truncated trailing line.
	eventsPath := filepath.Join(dir, meta.Owner, meta.ID, eventsFile)
	f, err := os.OpenFile(eventsPath, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-08-31T10:00:00Z","ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := led.Events(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	state, err := led.FoldState(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, state.EventCount)

	// A later append truncates the torn tail and continues cleanly.
	state, err = led.Append(ctx, ref, EventStatusUpdated, StatusPayload{Status: StatusPending}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, state.EventCount)

	events, err = led.Events(ctx, ref)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventStatusUpdated, events[1].Type)
}

func TestFold_Pure(t *testing.T) {
	led := New(t.TempDir())
	ctx := context.Background()

	meta, _, err := led.Create(ctx, testMeta(), testCreated())
	require.NoError(t, err)
	ref := refs.New(meta.Owner, meta.ID)
	_, err = led.Append(ctx, ref, EventTradeModeUpdated, TradeModePayload{TradeMode: TradeBoth}, "")
	require.NoError(t, err)

	events, err := led.Events(ctx, ref)
	require.NoError(t, err)

	s1, err := Fold(nil, 16, meta, events)
	require.NoError(t, err)
	s2, err := Fold(nil, 16, meta, events)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, TradeBoth, s1.TradeMode)
}

func TestFold_RejectsBadLog(t *testing.T) {
	meta := testMeta()
	meta.ID = "r1"

	_, err := Fold(nil, 16, meta, nil)
	require.Error(t, err)

	// A log that does not start with a created event is rejected.
	_, err = Fold(nil, 16, meta, []Event{{Type: EventStatusUpdated, Payload: []byte(`{"status":"sold"}`)}})
	require.Error(t, err)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusRemoved.Terminal())
	for _, s := range []Status{StatusAvailable, StatusPending, StatusLeased, StatusSold} {
		assert.False(t, s.Terminal(), string(s))
	}
}
