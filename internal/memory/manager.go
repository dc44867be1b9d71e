package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomagent/loom/pkg/models"
)

// ManagerConfig configures the Manager's backing storage path, query cache
// capacity, and lifecycle policy.
type ManagerConfig struct {
	DBPath    string
	CacheSize int
	Lifecycle LifecycleConfig
	Logger    *slog.Logger
}

// Manager composes Storage, QueryCache, and Lifecycle behind the interface
// the rest of the agent runtime (prompt assembler, tools) depends on.
type Manager struct {
	storage   *Storage
	cache     *QueryCache
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewManager opens the storage backend and wires the cache and lifecycle
// controller around it. Callers should call Lifecycle().Run(ctx) in a
// goroutine to start the background sweep, and Close when done.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := NewStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	cache := NewQueryCache(cfg.CacheSize)
	lifecycle := NewLifecycle(storage, cache, cfg.Lifecycle, logger)

	return &Manager{
		storage:   storage,
		cache:     cache,
		lifecycle: lifecycle,
		logger:    logger,
	}, nil
}

// Lifecycle exposes the lifecycle controller so callers can start its
// background sweep or run it synchronously (e.g. a CLI "memory gc" command).
func (m *Manager) Lifecycle() *Lifecycle { return m.lifecycle }

// Close releases the underlying storage handle.
func (m *Manager) Close() error { return m.storage.Close() }

// Store persists an entry and invalidates the query cache, since any
// previously cached retrieval could now be stale.
func (m *Manager) Store(ctx context.Context, entry *models.MemoryEntry) (string, error) {
	id, err := m.storage.Store(ctx, entry)
	if err != nil {
		return "", err
	}
	m.cache.Invalidate()
	return id, nil
}

// GetByID returns a single entry without touching the query cache.
func (m *Manager) GetByID(ctx context.Context, id string) (*models.MemoryEntry, error) {
	return m.storage.GetByID(ctx, id)
}

// Delete removes an entry by ID and invalidates the query cache.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := m.storage.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		m.cache.Invalidate()
	}
	return deleted, nil
}

// Count returns the number of entries, optionally filtered by memory type.
func (m *Manager) Count(ctx context.Context, memoryType models.MemoryType) (int, error) {
	return m.storage.Count(ctx, memoryType)
}

// GetRecent returns the most recently created entries.
func (m *Manager) GetRecent(ctx context.Context, limit int) ([]*models.MemoryEntry, error) {
	return m.storage.GetRecent(ctx, limit)
}

// Retrieve answers a retrieval query: a cache hit short-circuits straight to
// results; a miss runs FTS5 search, falling back to a LIKE scan when FTS5 is
// unavailable or returns no rows, then populates the cache and touches each
// returned entry's access bookkeeping.
func (m *Manager) Retrieve(ctx context.Context, query string, topK int, memoryType models.MemoryType) ([]*models.MemoryEntry, error) {
	if topK <= 0 {
		topK = 5
	}

	if cached, ok := m.cache.Get(query, topK, memoryType); ok {
		return cached, nil
	}

	results, err := m.storage.SearchFTS(ctx, query, topK, memoryType)
	if err != nil && !isFTSUnavailable(err) {
		return nil, err
	}
	if err != nil || len(results) == 0 {
		if err != nil {
			m.logger.Warn("fts5 unavailable, falling back to substring search", "error", err)
		}
		results, err = m.storage.SearchLike(ctx, query, topK, memoryType)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	for _, e := range results {
		e.Touch()
		if err := m.storage.Touch(ctx, e.ID, now); err != nil {
			m.logger.Warn("failed to record memory access", "id", e.ID, "error", err)
		}
	}

	m.cache.Put(query, topK, memoryType, results)
	return results, nil
}

// CacheStats exposes the query cache's hit/miss/size snapshot, e.g. for a
// "memory stats" CLI command.
func (m *Manager) CacheStats() Stats {
	return m.cache.Stats()
}
