package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// UpsertEdgePair writes the edge and its reverse in one transaction.
func (b *Backend) UpsertEdgePair(ctx context.Context, edge *models.Relationship) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if err := upsertPairTx(ctx, tx, edge, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertPairTx writes both directions of an edge inside an open transaction.
// An existing row keeps its status and description; score, kind and
// updated_at take the latest write.
func upsertPairTx(ctx context.Context, tx *sql.Tx, edge *models.Relationship, now time.Time) error {
	if edge.SourceID == edge.TargetID {
		return fmt.Errorf("self edge %s rejected", edge.SourceID)
	}
	if edge.Score < 0 || edge.Score > 1 {
		return fmt.Errorf("edge score %v outside [0,1]", edge.Score)
	}

	// An edge born with a description (intra-batch relations from
	// extraction) skips the describer queue entirely.
	status := models.RelationshipPending
	if edge.Description != "" {
		status = models.RelationshipCompleted
	}

	directions := [2][2]string{
		{edge.SourceID, edge.TargetID},
		{edge.TargetID, edge.SourceID},
	}
	for _, d := range directions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (id, owner_id, source_id, target_id, score, kind, status, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id) DO UPDATE SET
				score = excluded.score,
				kind = excluded.kind,
				updated_at = excluded.updated_at
		`, uuid.New().String(), edge.OwnerID, d[0], d[1], edge.Score, string(edge.Kind),
			string(status), nullString(edge.Description), now, now,
		); err != nil {
			return fmt.Errorf("upsert edge %s->%s: %w", d[0], d[1], err)
		}
	}
	return nil
}

// RelatedItems lists outgoing edges for an item, best score first. The owner
// predicate keeps one user's graph invisible to another even when an item ID
// leaks.
func (b *Backend) RelatedItems(ctx context.Context, ownerID, itemID string) ([]*models.RelatedItem, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT target_id, score, kind, description
		FROM relationships
		WHERE owner_id = ? AND source_id = ?
		ORDER BY score DESC, target_id ASC
	`, ownerID, itemID)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var items []*models.RelatedItem
	for rows.Next() {
		var item models.RelatedItem
		var description sql.NullString
		var kind string
		if err := rows.Scan(&item.RelatedID, &item.Score, &kind, &description); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		item.Kind = models.RelationshipKind(kind)
		item.Description = description.String
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ClaimPendingEdges claims up to limit describable edges. Only the canonical
// direction (source < target) is claimed; completing or failing an edge
// updates both directions, keeping descriptions symmetric.
func (b *Backend) ClaimPendingEdges(ctx context.Context, limit int, lease time.Duration) ([]*models.Relationship, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_id, source_id, target_id, score, kind, attempts
		FROM relationships
		WHERE source_id < target_id
		  AND (status = ? OR (status = ? AND lease_until < ?))
		ORDER BY created_at ASC
		LIMIT ?
	`, string(models.RelationshipPending), string(models.RelationshipProcessing), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending edges: %w", err)
	}

	var claimed []*models.Relationship
	var ids []string
	for rows.Next() {
		var e models.Relationship
		var kind string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.SourceID, &e.TargetID, &e.Score, &kind, &e.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending edge: %w", err)
		}
		e.Kind = models.RelationshipKind(kind)
		e.Status = models.RelationshipProcessing
		claimed = append(claimed, &e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending edges: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(models.RelationshipProcessing), now.Add(lease), now}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
		WHERE id IN (`+placeholders+`)
	`, args...); err != nil {
		return nil, fmt.Errorf("claim edges: %w", err)
	}
	for _, e := range claimed {
		e.Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteEdge stores the description on both directions and marks them completed.
func (b *Backend) CompleteEdge(ctx context.Context, sourceID, targetID, description string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, description = ?, lease_until = NULL, updated_at = ?
		WHERE (source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?)
	`, string(models.RelationshipCompleted), description, time.Now().UTC(),
		sourceID, targetID, targetID, sourceID)
	if err != nil {
		return fmt.Errorf("complete edge: %w", err)
	}
	return nil
}

// ReleaseEdge records a failed description attempt. Past maxAttempts the
// pair is marked failed permanently; otherwise it returns to pending.
func (b *Backend) ReleaseEdge(ctx context.Context, sourceID, targetID string, maxAttempts int) error {
	var attempts int
	err := b.db.QueryRowContext(ctx,
		`SELECT attempts FROM relationships WHERE source_id = ? AND target_id = ?`,
		sourceID, targetID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read edge attempts: %w", err)
	}

	status := models.RelationshipPending
	if attempts >= maxAttempts {
		status = models.RelationshipFailed
	}
	_, err = b.db.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, lease_until = NULL, updated_at = ?
		WHERE (source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?)
	`, string(status), time.Now().UTC(), sourceID, targetID, targetID, sourceID)
	if err != nil {
		return fmt.Errorf("release edge: %w", err)
	}
	return nil
}
