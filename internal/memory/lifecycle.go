package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/loomagent/loom/pkg/models"
)

// DefaultTTL maps a memory type to how long an entry survives since its last
// access before the lifecycle controller expires it. A memory type absent
// from this map (or explicitly mapped to 0) is immortal.
var DefaultTTL = map[models.MemoryType]time.Duration{
	models.MemoryEpisodic: 30 * 24 * time.Hour,
	// semantic and procedural are intentionally absent: immortal by default.
}

// LifecycleConfig configures the Lifecycle controller.
type LifecycleConfig struct {
	// TTL overrides DefaultTTL when non-nil.
	TTL map[models.MemoryType]time.Duration
	// MaxEntries is the capacity eviction ceiling. Zero disables capacity
	// eviction.
	MaxEntries int
	// SweepInterval is how often Run's ticker fires. Defaults to 1 hour.
	SweepInterval time.Duration
}

// Lifecycle periodically expires TTL'd entries and evicts the least valuable
// entries once storage exceeds a capacity ceiling. Both passes are
// idempotent: running them with nothing to do is a no-op.
type Lifecycle struct {
	storage *Storage
	cache   *QueryCache
	cfg     LifecycleConfig
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewLifecycle builds a Lifecycle controller over storage, invalidating cache
// whenever it expires or evicts entries.
func NewLifecycle(storage *Storage, cache *QueryCache, cfg LifecycleConfig, logger *slog.Logger) *Lifecycle {
	if cfg.TTL == nil {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		storage: storage,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the background sweep ticker. It blocks until ctx is cancelled or
// Stop is called, so callers run it in its own goroutine.
func (l *Lifecycle) Run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.Sweep(ctx); err != nil {
				l.logger.Error("memory lifecycle sweep failed", "error", err)
			}
		}
	}
}

// Stop halts Run's ticker loop and waits for it to exit.
func (l *Lifecycle) Stop() {
	close(l.stop)
	<-l.done
}

// Sweep runs one expiry pass followed by one capacity-eviction pass,
// synchronously. Safe to call directly (e.g. from a CLI "memory gc" command)
// independent of Run's ticker.
func (l *Lifecycle) Sweep(ctx context.Context) error {
	expired, err := l.expire(ctx)
	if err != nil {
		return err
	}
	evicted, err := l.evictOverCapacity(ctx)
	if err != nil {
		return err
	}
	if expired > 0 || evicted > 0 {
		l.cache.Invalidate()
		l.logger.Info("memory lifecycle sweep", "expired", expired, "evicted", evicted)
	}
	return nil
}

func (l *Lifecycle) expire(ctx context.Context) (int, error) {
	records, err := l.storage.ListForLifecycle(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, rec := range records {
		ttl, ok := l.cfg.TTL[rec.MemoryType]
		if !ok || ttl <= 0 {
			continue // immortal
		}
		if now.Sub(rec.LastAccessed) < ttl {
			continue
		}
		deleted, err := l.storage.Delete(ctx, rec.ID)
		if err != nil {
			return expired, err
		}
		if deleted {
			expired++
		}
	}
	return expired, nil
}

// evictOverCapacity deletes the least valuable entries once the store holds
// more than cfg.MaxEntries, ordering by ascending (last_accessed, -importance)
// and breaking remaining ties by ascending created_at — oldest, least
// important, least recently touched entries go first.
func (l *Lifecycle) evictOverCapacity(ctx context.Context) (int, error) {
	if l.cfg.MaxEntries <= 0 {
		return 0, nil
	}

	records, err := l.storage.ListForLifecycle(ctx)
	if err != nil {
		return 0, err
	}
	over := len(records) - l.cfg.MaxEntries
	if over <= 0 {
		return 0, nil
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	evicted := 0
	for _, rec := range records[:over] {
		deleted, err := l.storage.Delete(ctx, rec.ID)
		if err != nil {
			return evicted, err
		}
		if deleted {
			evicted++
		}
	}
	return evicted, nil
}
