package spherigo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/cover"
	"github.com/oneminuta/spherigo/indexer"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/refs"
)

// Engine ties the record ledger, the geo-cell index and the query path
// together. The ledger is the source of truth; everything in the cell store
// is derived and can be reconstructed with Rebuild.
//
// All methods are safe for concurrent use.
type Engine struct {
	led     *ledger.Ledger
	cells   *cellstore.Store
	builder *indexer.Builder
	cache   *cellstore.RedisCache

	bitsPerAxis   int
	depths        []int
	fanoutCeiling int
	syncIndexing  bool

	logger  *Logger
	metrics MetricsCollector

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New opens an engine over the given data directory. Records live under
// <dataDir>/records and, unless WithBackend overrides it, cells under
// <dataDir>/cells.
func New(dataDir string, optFns ...Option) (*Engine, error) {
	opts := applyOptions(optFns)

	backend := opts.backend
	if backend == nil {
		backend = cellstore.NewLocalBackend(filepath.Join(dataDir, "cells"))
	}
	var cache *cellstore.RedisCache
	if opts.redisClient != nil {
		cache = cellstore.NewRedisCache(backend, opts.redisClient, opts.redisTTL)
		backend = cache
	}

	cells := cellstore.New(backend, func(o *cellstore.Options) {
		o.Codec = opts.codec
		o.MemberCap = opts.memberCap
	})
	led := ledger.New(filepath.Join(dataDir, "records"), func(o *ledger.Options) {
		o.Codec = opts.codec
		o.BitsPerAxis = opts.bitsPerAxis
	})
	builder := indexer.New(cells, led, func(o *indexer.Options) {
		o.Depths = opts.depths
		o.BitsPerAxis = opts.bitsPerAxis
		o.Logger = opts.logger.Logger
		o.RebuildRate = opts.rebuildRate
	})

	return &Engine{
		led:           led,
		cells:         cells,
		builder:       builder,
		cache:         cache,
		bitsPerAxis:   opts.bitsPerAxis,
		depths:        builder.Depths(),
		fanoutCeiling: opts.fanoutCeiling,
		syncIndexing:  opts.syncIndexing,
		logger:        opts.logger,
		metrics:       opts.metricsCollector,
	}, nil
}

// CreateRecord writes a new record to the ledger and indexes it. The
// returned ref is the record's permanent identity.
func (e *Engine) CreateRecord(ctx context.Context, meta ledger.RecordMeta, created ledger.CreatedPayload) (refs.Ref, ledger.RecordState, error) {
	if e.closed.Load() {
		return "", ledger.RecordState{}, ErrClosed
	}
	start := time.Now()
	meta, state, err := e.led.Create(ctx, meta, created)
	e.metrics.RecordAppend(time.Since(start), err)
	e.logger.LogAppend(ctx, string(refs.New(meta.Owner, meta.ID)), string(ledger.EventCreated), err)
	if err != nil {
		return "", ledger.RecordState{}, translateError(err)
	}

	ref := refs.New(meta.Owner, meta.ID)
	if err := e.applyIndex(ctx, ref, meta.Category, nil, state); err != nil {
		return ref, state, err
	}
	return ref, state, nil
}

// UpdatePrice appends a price change. The index is untouched; price is not
// part of cell tags.
func (e *Engine) UpdatePrice(ctx context.Context, ref refs.Ref, price ledger.Price, actor string) (ledger.RecordState, error) {
	return e.append(ctx, ref, ledger.EventPriceUpdated, ledger.PricePayload{Price: price}, actor, false)
}

// UpdateStatus appends a status change and retags the record's cells. A
// terminal status removes the record from the index and archives its event
// log.
func (e *Engine) UpdateStatus(ctx context.Context, ref refs.Ref, status ledger.Status, actor string) (ledger.RecordState, error) {
	state, err := e.append(ctx, ref, ledger.EventStatusUpdated, ledger.StatusPayload{Status: status}, actor, true)
	if err != nil {
		return state, err
	}
	if state.Status.Terminal() {
		e.goSafe(func() {
			archErr := e.led.ArchiveEvents(context.Background(), ref)
			e.logger.LogArchive(context.Background(), string(ref), archErr)
		})
	}
	return state, nil
}

// UpdateTradeMode appends a trade-mode change.
func (e *Engine) UpdateTradeMode(ctx context.Context, ref refs.Ref, mode ledger.TradeMode, actor string) (ledger.RecordState, error) {
	return e.append(ctx, ref, ledger.EventTradeModeUpdated, ledger.TradeModePayload{TradeMode: mode}, actor, false)
}

// UpdateFields appends a partial attribute update; only set fields apply.
func (e *Engine) UpdateFields(ctx context.Context, ref refs.Ref, attrs ledger.Attributes, actor string) (ledger.RecordState, error) {
	return e.append(ctx, ref, ledger.EventFieldUpdated, ledger.FieldPayload{Attributes: attrs}, actor, false)
}

// Relocate appends a location change. The record's SpheriCode is recomputed
// and its cell membership moves to the new prefix chain.
func (e *Engine) Relocate(ctx context.Context, ref refs.Ref, loc ledger.Location, actor string) (ledger.RecordState, error) {
	return e.append(ctx, ref, ledger.EventRelocated, ledger.RelocatedPayload{Location: loc}, actor, true)
}

func (e *Engine) append(ctx context.Context, ref refs.Ref, typ ledger.EventType, payload any, actor string, reindex bool) (ledger.RecordState, error) {
	if e.closed.Load() {
		return ledger.RecordState{}, ErrClosed
	}

	var prev *ledger.RecordState
	if reindex {
		p, err := e.led.ReadState(ctx, ref)
		if err != nil {
			return ledger.RecordState{}, translateError(err)
		}
		prev = &p
	}

	start := time.Now()
	state, err := e.led.Append(ctx, ref, typ, payload, actor)
	e.metrics.RecordAppend(time.Since(start), err)
	e.logger.LogAppend(ctx, string(ref), string(typ), err)
	if err != nil {
		return ledger.RecordState{}, translateError(err)
	}

	if reindex {
		meta, err := e.led.ReadMeta(ctx, ref)
		if err != nil {
			return state, translateError(err)
		}
		if err := e.applyIndex(ctx, ref, meta.Category, prev, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

// applyIndex reconciles the cell index with a record transition, inline when
// sync indexing is on, otherwise in a background goroutine. Background
// failures are logged; Rebuild repairs any resulting drift.
func (e *Engine) applyIndex(ctx context.Context, ref refs.Ref, category ledger.Category, prev *ledger.RecordState, next ledger.RecordState) error {
	if e.syncIndexing {
		start := time.Now()
		err := e.builder.ApplyTransition(ctx, ref, category, prev, next)
		e.metrics.RecordIndexUpdate(time.Since(start), err)
		e.logger.LogIndexUpdate(ctx, string(ref), err)
		return translateError(err)
	}

	e.goSafe(func() {
		bg := context.Background()
		start := time.Now()
		err := e.builder.ApplyTransition(bg, ref, category, prev, next)
		e.metrics.RecordIndexUpdate(time.Since(start), err)
		e.logger.LogIndexUpdate(bg, string(ref), err)
	})
	return nil
}

// Get returns a record's metadata and current state projection.
func (e *Engine) Get(ctx context.Context, ref refs.Ref) (ledger.RecordMeta, ledger.RecordState, error) {
	if e.closed.Load() {
		return ledger.RecordMeta{}, ledger.RecordState{}, ErrClosed
	}
	meta, err := e.led.ReadMeta(ctx, ref)
	if err != nil {
		return ledger.RecordMeta{}, ledger.RecordState{}, translateError(err)
	}
	state, err := e.led.ReadState(ctx, ref)
	if err != nil {
		return ledger.RecordMeta{}, ledger.RecordState{}, translateError(err)
	}
	return meta, state, nil
}

// Events returns a record's full event history, archived segments included.
func (e *Engine) Events(ctx context.Context, ref refs.Ref) ([]ledger.Event, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	events, err := e.led.Events(ctx, ref)
	if err != nil {
		return nil, translateError(err)
	}
	return events, nil
}

// Cell returns the aggregate document for a code prefix, useful for
// area-level statistics without touching individual records.
func (e *Engine) Cell(ctx context.Context, prefix string) (*cellstore.GeoCell, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	cell, err := e.cells.GetCell(ctx, prefix)
	if err != nil {
		return nil, translateError(err)
	}
	return cell, nil
}

// Rebuild reconstructs the whole cell index from the ledger and, when a
// Redis cache is configured, flushes it so readers never see stale cells.
func (e *Engine) Rebuild(ctx context.Context) (indexer.RebuildStats, error) {
	if e.closed.Load() {
		return indexer.RebuildStats{}, ErrClosed
	}
	stats, err := e.builder.Rebuild(ctx)
	e.metrics.RecordRebuild(stats.Indexed, stats.Failed, stats.Duration, err)
	e.logger.LogRebuild(ctx, stats.Indexed, stats.Failed, stats.Cells, stats.Duration, err)
	if err != nil {
		return stats, translateError(err)
	}
	if e.cache != nil {
		if err := e.cache.Flush(ctx); err != nil {
			return stats, fmt.Errorf("%w: cache flush: %w", ErrStorageUnavailable, err)
		}
	}
	return stats, nil
}

// Verify checks the cell index for internal inconsistencies. Findings wrap
// ErrInconsistentIndex; Rebuild is the repair path.
func (e *Engine) Verify(ctx context.Context) ([]indexer.Issue, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.builder.Verify(ctx)
}

// Close waits for in-flight background index updates and marks the engine
// closed. Subsequent operations return ErrClosed.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.wg.Wait()
	return nil
}

// goSafe runs fn in a tracked goroutine and turns panics into error logs so
// a background index update can never take the process down.
func (e *Engine) goSafe(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("background task panicked", "panic", r)
			}
		}()
		fn()
	}()
}

// coverOptions builds the cover parameters the engine searches with.
func (e *Engine) coverOptions() *cover.Options {
	return &cover.Options{
		BitsPerAxis:   e.bitsPerAxis,
		Depths:        e.depths,
		FanoutCeiling: e.fanoutCeiling,
	}
}
