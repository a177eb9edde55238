// Package embeddings provides interfaces and implementations for embedding
// providers.
package embeddings

import (
	"context"
	"errors"
)

// Typed errors callers use to decide retry behavior. RateLimited and
// Unavailable are transient: back off and retry with jitter. InvalidInput is
// permanent: the caller must fix (typically truncate) the input first.
var (
	// ErrRateLimited indicates the external service rejected the call due to
	// rate limiting.
	ErrRateLimited = errors.New("embeddings: rate limited")

	// ErrInvalidInput indicates empty or over-length input text.
	ErrInvalidInput = errors.New("embeddings: invalid input")

	// ErrUnavailable indicates the external service is down or unreachable.
	ErrUnavailable = errors.New("embeddings: service unavailable")
)

// MaxInputChars is the per-text input ceiling enforced before any network
// call. Embedding models cap input around 8K tokens; four chars per token
// gives a conservative character bound.
const MaxInputChars = 32000

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// ValidateInput rejects texts the provider contract forbids, before the
// network call is made.
func ValidateInput(texts []string) error {
	if len(texts) == 0 {
		return ErrInvalidInput
	}
	for _, text := range texts {
		if text == "" || len(text) > MaxInputChars {
			return ErrInvalidInput
		}
	}
	return nil
}
