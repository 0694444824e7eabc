// Package indexer maintains the derived geo-cell index from ledger records.
// It applies single-record transitions incrementally and can rebuild the
// whole index from scratch by replaying every record's projection.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/refs"
	"github.com/oneminuta/spherigo/sphericode"
)

// ErrInconsistentIndex marks verification findings.
var ErrInconsistentIndex = errors.New("indexer: inconsistent index")

// Options configures a Builder.
type Options struct {
	// Depths are the maintained prefix depths, coarse to fine.
	Depths []int

	// BitsPerAxis is the SpheriCode resolution.
	BitsPerAxis int

	// Logger receives rebuild and verification progress.
	Logger *slog.Logger

	// RebuildRate throttles per-record ledger reads during Rebuild so a
	// rebuild does not starve live traffic. Zero means unthrottled.
	RebuildRate rate.Limit

	// FlushConcurrency bounds parallel cell writes during Rebuild.
	FlushConcurrency int
}

// DefaultOptions are the defaults used by New.
var DefaultOptions = Options{
	Depths:           []int{2, 4, 6, 8},
	BitsPerAxis:      sphericode.DefaultBitsPerAxis,
	Logger:           slog.Default(),
	FlushConcurrency: 8,
}

// Builder writes index updates derived from record state into the cell store.
type Builder struct {
	cells   *cellstore.Store
	led     *ledger.Ledger
	depths  []int
	bits    int
	logger  *slog.Logger
	limiter *rate.Limiter
	flushN  int
}

// New creates a Builder over the given cell store and ledger.
func New(cells *cellstore.Store, led *ledger.Ledger, optFns ...func(o *Options)) *Builder {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Depths) == 0 {
		opts.Depths = DefaultOptions.Depths
	}
	if opts.BitsPerAxis <= 0 {
		opts.BitsPerAxis = sphericode.DefaultBitsPerAxis
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = DefaultOptions.FlushConcurrency
	}

	depths := append([]int(nil), opts.Depths...)
	sort.Ints(depths)

	var limiter *rate.Limiter
	if opts.RebuildRate > 0 {
		limiter = rate.NewLimiter(opts.RebuildRate, 1)
	}

	return &Builder{
		cells:   cells,
		led:     led,
		depths:  depths,
		bits:    opts.BitsPerAxis,
		logger:  opts.Logger,
		limiter: limiter,
		flushN:  opts.FlushConcurrency,
	}
}

// Depths returns the maintained prefix depths, sorted ascending.
func (b *Builder) Depths() []int {
	return append([]int(nil), b.depths...)
}

// prefixChain returns the record's cell prefixes at every maintained depth,
// coarse to fine, deduplicated. Depths beyond the code length collapse into
// the full code.
func (b *Builder) prefixChain(code string) []string {
	codeLen := sphericode.CodeLen(b.bits)
	if codeLen > len(code) {
		codeLen = len(code)
	}
	chain := make([]string, 0, len(b.depths))
	for _, d := range b.depths {
		cut := d
		if cut > codeLen {
			cut = codeLen
		}
		p := code[:cut]
		if len(chain) > 0 && chain[len(chain)-1] == p {
			continue
		}
		chain = append(chain, p)
	}
	return chain
}

// Index inserts or retags the record in its cell at every maintained depth.
// Each cell is linked to the next-deeper prefix so overflowed searches can
// descend. Idempotent.
func (b *Builder) Index(ctx context.Context, ref refs.Ref, category ledger.Category, state ledger.RecordState) error {
	chain := b.prefixChain(state.Code)
	// Deepest first so a parent never links a child that failed to write.
	for i := len(chain) - 1; i >= 0; i-- {
		child := ""
		if i+1 < len(chain) {
			child = chain[i+1]
		}
		err := b.cells.UpsertMember(ctx, chain[i], ref, string(category), string(state.Status), child)
		if err != nil {
			return fmt.Errorf("indexer: index %s at %q: %w", ref, chain[i], err)
		}
	}
	return nil
}

// Deindex removes the record from its cell at every maintained depth.
// Idempotent; absent cells are no-ops.
func (b *Builder) Deindex(ctx context.Context, ref refs.Ref, code string) error {
	for _, p := range b.prefixChain(code) {
		if err := b.cells.RemoveMember(ctx, p, ref); err != nil {
			return fmt.Errorf("indexer: deindex %s at %q: %w", ref, p, err)
		}
	}
	return nil
}

// ApplyTransition reconciles the index after one ledger append. prev is nil
// for a freshly created record. Terminal states drop the record from the
// index; relocations move it between cell chains; everything else retags it
// in place.
func (b *Builder) ApplyTransition(ctx context.Context, ref refs.Ref, category ledger.Category, prev *ledger.RecordState, next ledger.RecordState) error {
	if prev != nil && prev.Code != next.Code {
		if err := b.Deindex(ctx, ref, prev.Code); err != nil {
			return err
		}
	}
	if next.Status.Terminal() {
		return b.Deindex(ctx, ref, next.Code)
	}
	return b.Index(ctx, ref, category, next)
}

// RebuildStats summarizes one Rebuild run.
type RebuildStats struct {
	Records  int
	Indexed  int
	Skipped  int
	Failed   int
	Cells    int
	Duration time.Duration
}

// Rebuild discards the cell index and reconstructs it by refolding every
// record's event log. Records that fail to read are logged and skipped so a
// single damaged record cannot block recovery. Member lists come out sorted,
// which makes consecutive rebuilds byte-identical.
func (b *Builder) Rebuild(ctx context.Context) (RebuildStats, error) {
	start := time.Now()
	var stats RebuildStats

	recs, err := b.led.ListRecords(ctx)
	if err != nil {
		return stats, fmt.Errorf("indexer: rebuild: %w", err)
	}
	stats.Records = len(recs)
	b.logger.Info("rebuild started", slog.Int("records", len(recs)))

	cells := make(map[string]*cellstore.GeoCell)
	for _, ref := range recs {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}

		meta, err := b.led.ReadMeta(ctx, ref)
		if err != nil {
			b.logger.Warn("rebuild: skipping record", slog.String("ref", string(ref)), slog.String("error", err.Error()))
			stats.Failed++
			continue
		}
		state, err := b.led.FoldState(ctx, ref)
		if err != nil {
			b.logger.Warn("rebuild: skipping record", slog.String("ref", string(ref)), slog.String("error", err.Error()))
			stats.Failed++
			continue
		}
		if state.Status.Terminal() {
			stats.Skipped++
			continue
		}

		chain := b.prefixChain(state.Code)
		for i, p := range chain {
			cell, ok := cells[p]
			if !ok {
				cell = cellstore.NewGeoCell(p)
				cells[p] = cell
			}
			cell.Upsert(ref, string(meta.Category), string(state.Status), b.cells.MemberCap())
			if i+1 < len(chain) {
				cell.AddChild(chain[i+1])
			}
		}
		stats.Indexed++
	}

	for _, cell := range cells {
		sort.Slice(cell.Members, func(i, j int) bool { return cell.Members[i].Ref < cell.Members[j].Ref })
		sort.Strings(cell.Children)
	}

	if err := b.cells.Clear(ctx); err != nil {
		return stats, fmt.Errorf("indexer: rebuild: clear: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.flushN)
	for _, cell := range cells {
		cell := cell
		g.Go(func() error {
			if err := b.cells.PutCell(gctx, cell); err != nil {
				return fmt.Errorf("indexer: rebuild: flush %q: %w", cell.Prefix, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Cells = len(cells)
	stats.Duration = time.Since(start)
	b.logger.Info("rebuild finished",
		slog.Int("indexed", stats.Indexed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("cells", stats.Cells),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}
