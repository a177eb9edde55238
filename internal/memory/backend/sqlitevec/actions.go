package sqlitevec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// PutAction stores a resolved action entry.
func (b *Backend) PutAction(ctx context.Context, entry *models.ActionCacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastUsed.IsZero() {
		entry.LastUsed = now
	}
	if len(entry.Embedding) == 0 {
		return fmt.Errorf("action entry %s has no embedding; refusing to persist", entry.ID)
	}

	params := entry.Action.Params
	if params == nil {
		params = json.RawMessage("{}")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO action_cache (id, owner_id, command, action_kind, action_params, embedding, hit_count, last_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.OwnerID, entry.Command, string(entry.Action.Kind), string(params),
		encodeEmbedding(entry.Embedding), entry.HitCount, entry.LastUsed, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action entry: %w", err)
	}
	return nil
}

// NearestAction returns the owner's most similar cached entry and its score.
func (b *Backend) NearestAction(ctx context.Context, ownerID string, vector []float32) (*models.ActionCacheEntry, float32, bool, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, owner_id, command, action_kind, action_params, embedding, hit_count, last_used, created_at
		FROM action_cache
		WHERE owner_id = ?
	`, ownerID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("query action cache: %w", err)
	}
	defer rows.Close()

	var best *models.ActionCacheEntry
	var bestScore float32
	for rows.Next() {
		var e models.ActionCacheEntry
		var kind, params string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Command, &kind, &params, &blob, &e.HitCount, &e.LastUsed, &e.CreatedAt); err != nil {
			return nil, 0, false, fmt.Errorf("scan action entry: %w", err)
		}
		e.Action = models.Action{Kind: models.ActionKind(kind), Params: json.RawMessage(params)}
		e.Embedding = decodeEmbedding(blob)

		score := cosineSimilarity(vector, e.Embedding)
		if best == nil || score > bestScore {
			entry := e
			best = &entry
			bestScore = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("iterate action cache: %w", err)
	}
	if best == nil {
		return nil, 0, false, nil
	}
	return best, bestScore, true, nil
}

// TouchAction increments the hit count and refreshes last-used.
func (b *Backend) TouchAction(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE action_cache SET hit_count = hit_count + 1, last_used = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch action entry: %w", err)
	}
	return nil
}

// PruneActions deletes entries unused since the cutoff.
func (b *Backend) PruneActions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM action_cache WHERE last_used < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune action cache: %w", err)
	}
	return res.RowsAffected()
}
