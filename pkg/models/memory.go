// Package models defines the core data types for the semantic memory subsystem.
package models

import (
	"time"
)

// EntityType classifies an extracted memory.
type EntityType string

const (
	// EntityConcept is a general concept or topic discussed.
	EntityConcept EntityType = "concept"
	// EntityQuestion is an open question the user raised.
	EntityQuestion EntityType = "question"
	// EntityInsight is a conclusion or realization.
	EntityInsight EntityType = "insight"
	// EntityReference is a pointer to an external source or document.
	EntityReference EntityType = "reference"
	// EntityAction is something the user intends to do.
	EntityAction EntityType = "action"

	// EntityDocument marks a document-level embedding row. Documents take
	// part in relationship scans but are not extracted entities and never
	// appear in memory search results.
	EntityDocument EntityType = "document"
)

// ValidEntityType reports whether t is one of the known entity types.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityConcept, EntityQuestion, EntityInsight, EntityReference, EntityAction:
		return true
	}
	return false
}

// Memory is a structured semantic entity extracted from a conversation or
// document chunk. Memories are append-only: they are never mutated after
// creation, only soft-deleted when their source goes away.
type Memory struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	SourceID   string     `json:"source_id"` // Conversation or document the memory came from
	EntityType EntityType `json:"entity_type"`
	Content    string     `json:"content"`

	Embedding []float32 `json:"-"` // Not serialized to JSON
	CreatedAt time.Time `json:"created_at"`
	DeletedAt time.Time `json:"deleted_at,omitempty"`
}

// Searchable reports whether the memory may participate in similarity
// queries. A memory without a computed embedding is invisible to search,
// never treated as a zero vector.
func (m *Memory) Searchable() bool {
	return len(m.Embedding) > 0 && m.DeletedAt.IsZero()
}

// RelationshipStatus tracks the description lifecycle of an edge.
type RelationshipStatus string

const (
	// RelationshipPending means the edge exists but has no description yet.
	RelationshipPending RelationshipStatus = "pending"
	// RelationshipProcessing means description generation is in flight.
	RelationshipProcessing RelationshipStatus = "processing"
	// RelationshipCompleted means the edge has a generated description.
	RelationshipCompleted RelationshipStatus = "completed"
	// RelationshipFailed means description generation exhausted its retries.
	// Failed edges remain queryable with their score and a null description.
	RelationshipFailed RelationshipStatus = "failed"
)

// RelationshipKind is a coarse classification derived from score bands.
type RelationshipKind string

const (
	KindStrong  RelationshipKind = "strong"
	KindRelated RelationshipKind = "related"
	KindWeak    RelationshipKind = "weak"
)

// KindForScore maps a similarity score onto its relationship kind band.
func KindForScore(score float32) RelationshipKind {
	switch {
	case score >= 0.85:
		return KindStrong
	case score >= 0.72:
		return KindRelated
	default:
		return KindWeak
	}
}

// Relationship is a directed, scored edge between two items (memories or
// documents). Edges are always written in symmetric pairs: whenever A->B
// exists, B->A exists with the same score after one trigger cycle.
type Relationship struct {
	ID          string             `json:"id"`
	OwnerID     string             `json:"owner_id"`
	SourceID    string             `json:"source_id"`
	TargetID    string             `json:"target_id"`
	Score       float32            `json:"score"` // Cosine similarity in [0,1]
	Kind        RelationshipKind   `json:"kind"`
	Status      RelationshipStatus `json:"status"`
	Description string             `json:"description,omitempty"`
	Attempts    int                `json:"-"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RelatedItem is one entry in a per-node "related items" listing.
type RelatedItem struct {
	RelatedID   string           `json:"related_id"`
	Score       float32          `json:"score"`
	Kind        RelationshipKind `json:"kind"`
	Description string           `json:"description,omitempty"`
}

// SearchRequest defines parameters for semantic memory search.
type SearchRequest struct {
	OwnerID    string     `json:"owner_id"`
	Query      string     `json:"query"`
	EntityType EntityType `json:"entity_type,omitempty"` // Optional filter
	Limit      int        `json:"limit"`
	Threshold  float32    `json:"threshold"` // Min similarity (0-1)
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	Memory *Memory `json:"memory"`
	Score  float32 `json:"score"`
}

// SearchResponse contains the results of a memory search.
type SearchResponse struct {
	Results    []*SearchResult `json:"results"`
	TotalCount int             `json:"total_count"`
	QueryTime  time.Duration   `json:"query_time"`
}

// ExtractionResult reports what one extraction batch produced.
type ExtractionResult struct {
	EntitiesCreated      int `json:"entities_created"`
	RelationshipsCreated int `json:"relationships_created"`
}

// ConversationTurn is one message of a conversation, in order.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}
