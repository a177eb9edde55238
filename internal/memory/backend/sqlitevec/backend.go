// Package sqlitevec implements the storage backend on SQLite using the pure
// Go driver, with embeddings stored as little-endian float32 blobs and
// similarity computed in-process.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Backend implements backend.Backend and backend.ActionStore on one SQLite
// database.
type Backend struct {
	db        *sql.DB
	dimension int
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.ActionStore = (*Backend)(nil)
)

// Config contains configuration for the SQLite backend.
type Config struct {
	Path      string // Path to SQLite database file; empty means in-memory
	Dimension int    // Embedding dimension
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers, which SQLite does anyway, and
	// keeps ":memory:" databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	b := &Backend{
		db:        db,
		dimension: cfg.Dimension,
	}

	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (b *Backend) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		source_id   TEXT,
		entity_type TEXT NOT NULL,
		content     TEXT NOT NULL,
		embedding   BLOB,
		created_at  DATETIME NOT NULL,
		deleted_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id);
	CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(owner_id, source_id);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

	CREATE TABLE IF NOT EXISTS relationships (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		source_id   TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		score       REAL NOT NULL,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		description TEXT,
		attempts    INTEGER NOT NULL DEFAULT 0,
		lease_until DATETIME,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE(source_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_id);
	CREATE INDEX IF NOT EXISTS idx_rel_status ON relationships(status);

	CREATE TABLE IF NOT EXISTS extraction_watermarks (
		owner_id           TEXT NOT NULL,
		conversation_id    TEXT NOT NULL,
		processed_messages INTEGER NOT NULL DEFAULT 0,
		updated_at         DATETIME NOT NULL,
		PRIMARY KEY(owner_id, conversation_id)
	);

	CREATE TABLE IF NOT EXISTS action_cache (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		command       TEXT NOT NULL,
		action_kind   TEXT NOT NULL,
		action_params TEXT NOT NULL,
		embedding     BLOB,
		hit_count     INTEGER NOT NULL DEFAULT 0,
		last_used     DATETIME NOT NULL,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_owner ON action_cache(owner_id);
	CREATE INDEX IF NOT EXISTS idx_actions_last_used ON action_cache(last_used);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// StoreExtraction persists one extraction batch atomically.
func (b *Backend) StoreExtraction(ctx context.Context, memories []*models.Memory, edges []*models.Relationship, ownerID, conversationID string, processedMessages int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	now := time.Now().UTC()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (id, owner_id, source_id, entity_type, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range memories {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if len(m.Embedding) == 0 {
			return fmt.Errorf("memory %s has no embedding; refusing to persist", m.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.OwnerID, nullString(m.SourceID), string(m.EntityType),
			m.Content, encodeEmbedding(m.Embedding), m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}

	for _, e := range edges {
		if err := upsertPairTx(ctx, tx, e, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO extraction_watermarks (owner_id, conversation_id, processed_messages, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id) DO UPDATE SET
			processed_messages = excluded.processed_messages,
			updated_at = excluded.updated_at
	`, ownerID, conversationID, processedMessages, now); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	return tx.Commit()
}

// Watermark returns the number of messages already processed for the conversation.
func (b *Backend) Watermark(ctx context.Context, ownerID, conversationID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT processed_messages FROM extraction_watermarks WHERE owner_id = ? AND conversation_id = ?`,
		ownerID, conversationID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return n, nil
}

// IndexDocument stores or replaces a document-level embedding.
func (b *Backend) IndexDocument(ctx context.Context, doc *models.Memory) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding; refusing to persist", doc.ID)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, source_id, entity_type, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			deleted_at = NULL
	`, doc.ID, doc.OwnerID, nullString(doc.SourceID), string(models.EntityDocument),
		doc.Content, encodeEmbedding(doc.Embedding), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

// GetItem fetches a memory or document row by ID.
func (b *Backend) GetItem(ctx context.Context, id string) (*models.Memory, error) {
	var m models.Memory
	var sourceID sql.NullString
	var entityType string
	var blob []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_id, entity_type, content, embedding, created_at
		FROM memories
		WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&m.ID, &m.OwnerID, &sourceID, &entityType, &m.Content, &blob, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	m.SourceID = sourceID.String
	m.EntityType = models.EntityType(entityType)
	m.Embedding = decodeEmbedding(blob)
	return &m, nil
}

// Search finds similar memories using cosine similarity. Document-level rows
// are excluded; they participate only in relationship scans.
func (b *Backend) Search(ctx context.Context, queryEmbedding []float32, opts *backend.SearchOptions) ([]*models.SearchResult, error) {
	if opts == nil || opts.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, owner_id, source_id, entity_type, content, embedding, created_at
		FROM memories
		WHERE owner_id = ? AND deleted_at IS NULL AND embedding IS NOT NULL
		  AND entity_type != ?`
	args := []any{opts.OwnerID, string(models.EntityDocument)}

	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, string(opts.EntityType))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []*models.SearchResult
	for rows.Next() {
		m, blob, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		vector := decodeEmbedding(blob)
		score := cosineSimilarity(queryEmbedding, vector)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		m.Embedding = vector
		results = append(results, &models.SearchResult{Memory: m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	// Rank by score descending, ties broken by recency descending. The sort
	// is stable over a deterministic scan order, so identical inputs always
	// produce identical rankings.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Neighbors returns the owner's other searchable items above the floor.
func (b *Backend) Neighbors(ctx context.Context, ownerID, excludeID string, vector []float32, floor float32, limit int) ([]backend.Neighbor, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, embedding FROM memories
		WHERE owner_id = ? AND id != ? AND deleted_at IS NULL AND embedding IS NOT NULL
	`, ownerID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []backend.Neighbor
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		score := cosineSimilarity(vector, decodeEmbedding(blob))
		if score < floor {
			continue
		}
		neighbors = append(neighbors, backend.Neighbor{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Score > neighbors[j].Score
	})
	if len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

// Stats summarizes what the database holds.
type Stats struct {
	Memories      int64
	Documents     int64
	Relationships int64
	PendingEdges  int64
	ActionEntries int64
}

// Stats returns row counts for the status command.
func (b *Backend) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&s.Memories, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND entity_type != ?`, []any{string(models.EntityDocument)}},
		{&s.Documents, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND entity_type = ?`, []any{string(models.EntityDocument)}},
		{&s.Relationships, `SELECT COUNT(*) FROM relationships`, nil},
		// Only the canonical direction is ever claimed for description, so
		// only canonical rows count toward the backlog.
		{&s.PendingEdges, `SELECT COUNT(*) FROM relationships WHERE status = ? AND source_id < target_id`, []any{string(models.RelationshipPending)}},
		{&s.ActionEntries, `SELECT COUNT(*) FROM action_cache`, nil},
	}
	for _, q := range queries {
		if err := b.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("count rows: %w", err)
		}
	}
	return &s, nil
}

// SoftDeleteBySource soft-deletes all memories from a source.
func (b *Backend) SoftDeleteBySource(ctx context.Context, ownerID, sourceID string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE memories SET deleted_at = ?
		WHERE owner_id = ? AND source_id = ? AND deleted_at IS NULL
	`, time.Now().UTC(), ownerID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("soft delete: %w", err)
	}
	return res.RowsAffected()
}

// Close releases resources.
func (b *Backend) Close() error {
	return b.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanMemory(rows *sql.Rows) (*models.Memory, []byte, error) {
	var m models.Memory
	var sourceID sql.NullString
	var entityType string
	var blob []byte

	if err := rows.Scan(&m.ID, &m.OwnerID, &sourceID, &entityType, &m.Content, &blob, &m.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("scan memory: %w", err)
	}
	m.SourceID = sourceID.String
	m.EntityType = models.EntityType(entityType)
	return &m, blob, nil
}
