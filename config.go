package triplestore

import (
	"errors"
	"time"

	"github.com/liliang-cn/triplestore/pkg/backpressure"
	"github.com/liliang-cn/triplestore/pkg/cache"
	"github.com/liliang-cn/triplestore/pkg/coalescer"
	"github.com/liliang-cn/triplestore/pkg/embedding"
	"github.com/liliang-cn/triplestore/pkg/hnsw"
	"github.com/liliang-cn/triplestore/pkg/highlight"
	"github.com/liliang-cn/triplestore/pkg/lock"
	"github.com/liliang-cn/triplestore/pkg/minvert"
	"github.com/liliang-cn/triplestore/pkg/planner"
	"github.com/liliang-cn/triplestore/pkg/stats"
)

// Config assembles every subsystem's tuning knobs behind one value,
// following the teacher's NewWithConfig convention: a caller can start
// from DefaultConfig and override only what matters to them.
type Config struct {
	// Dim is the fixed vector dimension every noun and verb in the store
	// must carry. Defaults to 384 (spec.md §3).
	Dim int

	HNSW         hnsw.Config
	Minvert      minvert.Config
	Coalescer    coalescer.Config
	Backpressure backpressure.Config
	Cache        cache.Config
	Lock         lock.Config
	Stats        stats.Config
	Planner      planner.Config

	// Embedder, if set, backs embed/embedBatch and the semantic signal
	// in find/similar. A nil Embedder degrades gracefully: text queries
	// fall back to the token-index signal only (spec.md §5).
	Embedder embedding.Embedder
	// EmbeddingTimeout bounds a single embed call. Zero uses
	// embedding.DefaultConfig's 10s.
	EmbeddingTimeout time.Duration

	Highlight highlight.Config

	// Logger receives structured diagnostics (lock contention, buffer
	// flush failures, stats flushes). A nil Logger discards everything.
	Logger Logger

	// SeedRNG seeds the HNSW level-assignment distribution. Fixed by
	// default so two stores built the same way produce the same graph
	// shape; override for production randomness.
	SeedRNG int64

	// ChangeLogRetention bounds how long change-log entries survive a
	// background cleanup sweep; zero disables the sweep (the caller
	// calls CleanupOldChangeLogs explicitly instead).
	ChangeLogRetention time.Duration

	// LockTTL is carried in the config but no operation reads it: the
	// statistics flush lock requests a fixed 10s lease, and writes take
	// no per-id lock.
	LockTTL time.Duration
}

// DefaultConfig returns spec.md's defaults for every subsystem.
func DefaultConfig() Config {
	return Config{
		Dim:          384,
		HNSW:         hnsw.DefaultConfig(),
		Minvert:      minvert.DefaultConfig(),
		Coalescer:    coalescer.DefaultConfig(),
		Backpressure: backpressure.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Lock:         lock.DefaultConfig(),
		Stats:        stats.DefaultConfig(),
		Planner:      planner.DefaultConfig(),
		Highlight:    highlight.DefaultConfig(),
		SeedRNG:      1,
		LockTTL:      10 * time.Second,
	}
}

// validate checks the invariants the constructor can't safely default
// around (spec.md §7's InvalidArgument surface).
func (c Config) validate() error {
	if c.Dim <= 0 {
		return newError("config", CodeInvalidArgument, errors.New("dim must be positive"))
	}
	if c.HNSW.M <= 0 || c.HNSW.EfConstruction <= 0 || c.HNSW.EfSearch <= 0 {
		return newError("config", CodeInvalidArgument, errors.New("hnsw config must be positive"))
	}
	return nil
}

// Logger is the minimal structured-logging surface the store and its
// subsystems need; it satisfies pkg/stats.Logger, pkg/coalescer.Logger,
// and pkg/hooks.Logger simultaneously since all three are subsets of it.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}

// nopLogger discards everything; used when Config.Logger is nil.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
