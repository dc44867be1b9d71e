// Package memory implements the agent's durable memory store: a SQLite-backed
// entry table with FTS5 full-text search, an LRU query cache in front of it,
// and a lifecycle controller that expires and evicts entries over time.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/pkg/models"
)

// Storage persists memory entries in SQLite with an FTS5 shadow table for
// full-text search. Every exported method is safe for concurrent use: SQLite
// serializes writers internally and Storage issues no in-process locking of
// its own.
type Storage struct {
	db   *sql.DB
	path string
}

// NewStorage opens (creating if absent) the SQLite database at path and
// ensures its schema exists. Use ":memory:" for an ephemeral store in tests.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, agenterr.NewMemoryStorageError(fmt.Sprintf("open %s", path), err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool semantics for writers

	s := &Storage{db: db, path: path}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			embedding BLOB,
			tags TEXT,
			source_conversation_id TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			last_accessed DATETIME NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return agenterr.NewMemoryStorageError("schema init", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Store inserts or replaces a memory entry. Assigns an ID and timestamps if
// unset.
func (s *Storage) Store(ctx context.Context, entry *models.MemoryEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = entry.CreatedAt
	}

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return "", agenterr.NewMemoryStorageError("marshal tags", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return "", agenterr.NewMemoryStorageError("marshal metadata", err)
	}
	embedding, err := encodeEmbedding(entry.Embedding)
	if err != nil {
		return "", agenterr.NewMemoryStorageError("encode embedding", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, memory_type, importance, embedding, tags,
			source_conversation_id, metadata, created_at, last_accessed, access_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, memory_type=excluded.memory_type,
			importance=excluded.importance, embedding=excluded.embedding,
			tags=excluded.tags, source_conversation_id=excluded.source_conversation_id,
			metadata=excluded.metadata, last_accessed=excluded.last_accessed,
			access_count=excluded.access_count
	`,
		entry.ID, entry.Content, string(entry.MemoryType), entry.Importance, embedding, string(tags),
		nullString(entry.SourceConversationID), string(metadata),
		entry.CreatedAt, entry.LastAccessed, entry.AccessCount,
	)
	if err != nil {
		return "", agenterr.NewMemoryStorageError("insert", err)
	}
	return entry.ID, nil
}

// GetByID returns a single entry, or nil if no entry with that ID exists.
func (s *Storage) GetByID(ctx context.Context, id string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, memory_type, importance, embedding, tags,
			source_conversation_id, metadata, created_at, last_accessed, access_count
		FROM memories WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, agenterr.NewMemoryRetrievalError("get by id", err)
	}
	return entry, nil
}

// Delete removes an entry by ID and reports whether it existed.
func (s *Storage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, agenterr.NewMemoryStorageError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, agenterr.NewMemoryStorageError("delete rows affected", err)
	}
	return n > 0, nil
}

// Count returns the total number of entries, optionally restricted to a
// memory type when memoryType is non-empty.
func (s *Storage) Count(ctx context.Context, memoryType models.MemoryType) (int, error) {
	var n int
	var err error
	if memoryType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE memory_type = ?`, string(memoryType)).Scan(&n)
	}
	if err != nil {
		return 0, agenterr.NewMemoryStorageError("count", err)
	}
	return n, nil
}

// GetRecent returns the most recently created entries, newest first.
func (s *Storage) GetRecent(ctx context.Context, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, memory_type, importance, embedding, tags,
			source_conversation_id, metadata, created_at, last_accessed, access_count
		FROM memories ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, agenterr.NewMemoryRetrievalError("get recent", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchFTS runs an FTS5 MATCH query against content, ranked by bm25.
// Returns isFTSUnavailable(err)==true when the FTS5 module or shadow table is
// unusable, so callers can fall back to SearchLike.
func (s *Storage) SearchFTS(ctx context.Context, query string, limit int, memoryType models.MemoryType) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	args := []any{ftsQuery}
	typeFilter := ""
	if memoryType != "" {
		typeFilter = "AND m.memory_type = ?"
		args = append(args, string(memoryType))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.id, m.content, m.memory_type, m.importance, m.embedding, m.tags,
			m.source_conversation_id, m.metadata, m.created_at, m.last_accessed, m.access_count
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? %s
		ORDER BY bm25(memories_fts)
		LIMIT ?`, typeFilter), args...)
	if err != nil {
		if isFTSUnavailable(err) {
			return nil, err
		}
		return nil, agenterr.NewMemoryRetrievalError("search_fts", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchLike is the substring-match fallback used when FTS5 is unavailable.
func (s *Storage) SearchLike(ctx context.Context, query string, limit int, memoryType models.MemoryType) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"

	args := []any{like}
	typeFilter := ""
	if memoryType != "" {
		typeFilter = "AND memory_type = ?"
		args = append(args, string(memoryType))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, content, memory_type, importance, embedding, tags,
			source_conversation_id, metadata, created_at, last_accessed, access_count
		FROM memories
		WHERE content LIKE ? ESCAPE '\' %s
		ORDER BY created_at DESC
		LIMIT ?`, typeFilter), args...)
	if err != nil {
		return nil, agenterr.NewMemoryRetrievalError("search_like", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Touch bumps access_count and last_accessed for an entry after a retrieval.
func (s *Storage) Touch(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		when, id)
	if err != nil {
		return agenterr.NewMemoryStorageError("touch", err)
	}
	return nil
}

// ListForLifecycle returns every entry's id/memory_type/importance/
// last_accessed/created_at, the minimal projection the lifecycle controller
// needs to make TTL and eviction decisions without loading full content.
func (s *Storage) ListForLifecycle(ctx context.Context) ([]LifecycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_type, importance, last_accessed, created_at FROM memories`)
	if err != nil {
		return nil, agenterr.NewMemoryStorageError("list for lifecycle", err)
	}
	defer rows.Close()

	var out []LifecycleRecord
	for rows.Next() {
		var rec LifecycleRecord
		var memType string
		if err := rows.Scan(&rec.ID, &memType, &rec.Importance, &rec.LastAccessed, &rec.CreatedAt); err != nil {
			return nil, agenterr.NewMemoryStorageError("scan lifecycle record", err)
		}
		rec.MemoryType = models.MemoryType(memType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LifecycleRecord is the minimal per-entry projection the lifecycle
// controller evaluates TTL expiry and capacity eviction against.
type LifecycleRecord struct {
	ID           string
	MemoryType   models.MemoryType
	Importance   float64
	LastAccessed time.Time
	CreatedAt    time.Time
}

// isFTSUnavailable classifies a SearchFTS error as "FTS5 itself is not
// usable" (missing module, corrupted shadow table) versus an ordinary query
// failure. Callers use it to decide whether SearchLike is an appropriate
// fallback or whether the error should simply propagate.
func isFTSUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such module") ||
		strings.Contains(msg, "no such table: memories_fts") ||
		strings.Contains(msg, "fts5") ||
		strings.Contains(msg, "malformed")
}

// sanitizeFTSQuery strips FTS5 query-syntax operators a free-text search
// phrase should never trigger by accident (the agent passes raw user text,
// not curated FTS5 queries).
func sanitizeFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	replacer := strings.NewReplacer(`"`, " ", "*", " ", ":", " ", "(", " ", ")", " ")
	cleaned := strings.TrimSpace(replacer.Replace(query))
	if cleaned == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(cleaned, `"`, `""`) + `"`
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.MemoryEntry, error) {
	var e models.MemoryEntry
	var memType string
	var tags, metadata string
	var embedding []byte
	var sourceConv sql.NullString

	if err := row.Scan(&e.ID, &e.Content, &memType, &e.Importance, &embedding, &tags,
		&sourceConv, &metadata, &e.CreatedAt, &e.LastAccessed, &e.AccessCount); err != nil {
		return nil, err
	}
	e.MemoryType = models.MemoryType(memType)
	e.SourceConversationID = sourceConv.String

	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	decoded, err := decodeEmbedding(embedding)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	e.Embedding = decoded
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.MemoryEntry, error) {
	var out []*models.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeEmbedding(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
