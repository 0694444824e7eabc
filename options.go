package spherigo

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/codec"
	"github.com/oneminuta/spherigo/sphericode"
)

type options struct {
	codec            codec.Codec
	backend          cellstore.Backend
	redisClient      redis.UniversalClient
	redisTTL         time.Duration
	bitsPerAxis      int
	depths           []int
	fanoutCeiling    int
	memberCap        int
	metricsCollector MetricsCollector
	logger           *Logger
	syncIndexing     bool
	rebuildRate      rate.Limit
}

// Option configures Engine constructor behavior.
type Option func(*options)

// WithCodec configures the codec used for cell documents, record metadata,
// events and state projections.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithBackend overrides the cell storage backend. The default is a
// LocalBackend under the engine's data directory; pass a MinioBackend to
// keep cells in an S3-compatible object store, or a MemoryBackend for tests.
func WithBackend(b cellstore.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithRedisCache layers a read-through Redis cache over the cell backend.
// ttl <= 0 uses cellstore.DefaultCacheTTL. The cache is flushed after every
// rebuild.
func WithRedisCache(client redis.UniversalClient, ttl time.Duration) Option {
	return func(o *options) {
		o.redisClient = client
		o.redisTTL = ttl
	}
}

// WithBitsPerAxis sets the SpheriCode resolution. All codes and cell
// prefixes in one data directory must use the same resolution; changing it
// requires a rebuild.
func WithBitsPerAxis(bits int) Option {
	return func(o *options) {
		o.bitsPerAxis = bits
	}
}

// WithDepths sets the maintained prefix depths, coarse to fine.
func WithDepths(depths ...int) Option {
	return func(o *options) {
		if len(depths) > 0 {
			o.depths = depths
		}
	}
}

// WithFanoutCeiling bounds how many prefixes a single search cover may
// enumerate before falling back to a coarser depth.
func WithFanoutCeiling(n int) Option {
	return func(o *options) {
		o.fanoutCeiling = n
	}
}

// WithMemberCap bounds the member list of a single cell document. Cells past
// the cap are marked overflowed and searches descend into their children.
func WithMemberCap(n int) Option {
	return func(o *options) {
		o.memberCap = n
	}
}

// WithSyncIndexing makes record operations apply their index update before
// returning instead of in a background goroutine. Slower writes, but the
// index is immediately consistent. Intended for tests and small datasets.
func WithSyncIndexing() Option {
	return func(o *options) {
		o.syncIndexing = true
	}
}

// WithRebuildRate throttles per-record ledger reads during Rebuild.
// Zero disables throttling.
func WithRebuildRate(r rate.Limit) Option {
	return func(o *options) {
		o.rebuildRate = r
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            codec.Default,
		bitsPerAxis:      sphericode.DefaultBitsPerAxis,
		depths:           []int{2, 4, 6, 8},
		fanoutCeiling:    64,
		memberCap:        cellstore.DefaultMemberCap,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
