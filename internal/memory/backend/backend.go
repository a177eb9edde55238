// Package backend provides the storage interface for the vector memory
// system: memories, relationship edges, extraction watermarks and the action
// cache all live behind it.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// ErrNotFound indicates the requested item does not exist.
var ErrNotFound = errors.New("backend: item not found")

// SearchOptions defines options for nearest-neighbor search over memories.
type SearchOptions struct {
	OwnerID    string
	EntityType models.EntityType // Optional filter; empty matches all
	Limit      int
	Threshold  float32
}

// Neighbor is one nearest-neighbor hit during a relationship scan.
type Neighbor struct {
	ID    string
	Score float32
}

// Backend is the storage interface for memories and relationship edges.
type Backend interface {
	// StoreExtraction persists one extraction batch atomically: entities,
	// intra-batch edges (both directions each) and the conversation
	// watermark advance commit or roll back as a unit.
	StoreExtraction(ctx context.Context, memories []*models.Memory, edges []*models.Relationship, ownerID, conversationID string, processedMessages int) error

	// Watermark returns the number of messages already processed for the
	// conversation. Zero means no extraction has run yet.
	Watermark(ctx context.Context, ownerID, conversationID string) (int, error)

	// IndexDocument stores (or replaces) a document-level embedding so the
	// document participates in relationship scans.
	IndexDocument(ctx context.Context, doc *models.Memory) error

	// GetItem fetches a memory or document by ID. Returns ErrNotFound when
	// the item does not exist or is soft-deleted.
	GetItem(ctx context.Context, id string) (*models.Memory, error)

	// Search finds similar memories using the query embedding. Rows without
	// an embedding and soft-deleted rows never match.
	Search(ctx context.Context, embedding []float32, opts *SearchOptions) ([]*models.SearchResult, error)

	// Neighbors returns other searchable items of the same owner whose
	// similarity to the vector is at least floor, excluding excludeID.
	Neighbors(ctx context.Context, ownerID, excludeID string, vector []float32, floor float32, limit int) ([]Neighbor, error)

	// UpsertEdgePair writes the edge and its reverse in one transaction,
	// last-writer-wins on score. The (source,target) pair is unique.
	UpsertEdgePair(ctx context.Context, edge *models.Relationship) error

	// RelatedItems lists outgoing edges for the item, best score first,
	// restricted to the owner's own graph.
	RelatedItems(ctx context.Context, ownerID, itemID string) ([]*models.RelatedItem, error)

	// ClaimPendingEdges claims up to limit pending (or lease-expired
	// processing) edges for description generation, marking them processing
	// with a lease so concurrent workers never double-claim.
	ClaimPendingEdges(ctx context.Context, limit int, lease time.Duration) ([]*models.Relationship, error)

	// CompleteEdge stores the generated description on both directions of
	// the pair and marks them completed.
	CompleteEdge(ctx context.Context, sourceID, targetID, description string) error

	// ReleaseEdge records a failed description attempt. Once attempts reach
	// maxAttempts the edge pair is marked failed permanently; otherwise it
	// returns to pending for the next cycle.
	ReleaseEdge(ctx context.Context, sourceID, targetID string, maxAttempts int) error

	// SoftDeleteBySource soft-deletes all memories from a source and returns
	// how many rows were affected.
	SoftDeleteBySource(ctx context.Context, ownerID, sourceID string) (int64, error)

	// Close releases resources.
	Close() error
}

// ActionStore is the storage interface for the action cache.
type ActionStore interface {
	// PutAction stores a resolved action entry.
	PutAction(ctx context.Context, entry *models.ActionCacheEntry) error

	// NearestAction returns the owner's cached entry most similar to the
	// vector, with its score. Found is false when the owner has no entries.
	NearestAction(ctx context.Context, ownerID string, vector []float32) (entry *models.ActionCacheEntry, score float32, found bool, err error)

	// TouchAction increments the hit count and refreshes last-used.
	TouchAction(ctx context.Context, id string) error

	// PruneActions deletes entries unused since the cutoff and returns the
	// number pruned.
	PruneActions(ctx context.Context, cutoff time.Time) (int64, error)
}
