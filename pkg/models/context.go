package models

import "time"

// ContextItemSource identifies where a retrieved context item came from.
type ContextItemSource string

const (
	ContextSourceMemory    ContextItemSource = "memory"
	ContextSourceNote      ContextItemSource = "note"
	ContextSourceHighlight ContextItemSource = "highlight"
)

// ContextItem is one retrieved item considered for context assembly.
type ContextItem struct {
	ID        string            `json:"id"`
	Source    ContextItemSource `json:"source"`
	Content   string            `json:"content"`
	Score     float32           `json:"score"` // Similarity to the query
	CreatedAt time.Time         `json:"created_at"`
	Tokens    int               `json:"tokens"` // Estimated token cost
}

// ContextBudget is the transient result of assembling context under a token
// ceiling. It is never persisted.
type ContextBudget struct {
	Items      []*ContextItem `json:"items"`
	TokensUsed int            `json:"tokens_used"`
	Ceiling    int            `json:"ceiling"`
	Skipped    bool           `json:"skipped"` // Retrieval was not warranted for the query
}
