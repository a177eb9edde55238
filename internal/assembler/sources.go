package assembler

import (
	"context"

	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// MemorySearcher is the memory store capability the assembler needs.
type MemorySearcher interface {
	Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
}

// MemorySource adapts the memory store into an ItemSource.
type MemorySource struct {
	searcher  MemorySearcher
	threshold float32
}

// NewMemorySource creates the memory-backed context source.
func NewMemorySource(searcher MemorySearcher, threshold float32) *MemorySource {
	return &MemorySource{searcher: searcher, threshold: threshold}
}

func (s *MemorySource) Name() string { return "memory" }

// Fetch runs a semantic memory search and converts hits to context items.
func (s *MemorySource) Fetch(ctx context.Context, ownerID, query string, limit int) ([]*models.ContextItem, error) {
	resp, err := s.searcher.Search(ctx, &models.SearchRequest{
		OwnerID:   ownerID,
		Query:     query,
		Limit:     limit,
		Threshold: s.threshold,
	})
	if err != nil {
		return nil, err
	}

	items := make([]*models.ContextItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, &models.ContextItem{
			ID:        r.Memory.ID,
			Source:    models.ContextSourceMemory,
			Content:   r.Memory.Content,
			Score:     r.Score,
			CreatedAt: r.Memory.CreatedAt,
			Tokens:    EstimateTokens(r.Memory.Content),
		})
	}
	return items, nil
}
