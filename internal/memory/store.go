// Package memory provides extraction, storage and similarity search for
// semantic memories.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/embeddings"
	"github.com/msai-amin/Ryzomatic-sub006/internal/llm"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/internal/retry"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// EmbeddingObserver is notified after an item's embedding commits. The
// relationship graph engine implements it; notifications run outside the
// write path that produced them.
type EmbeddingObserver interface {
	OnEmbedded(ctx context.Context, ownerID, itemID string, vector []float32)
}

// Store coordinates memory extraction, persistence and retrieval.
type Store struct {
	backend  backend.Backend
	embedder embeddings.Provider
	completer llm.Completer
	observer EmbeddingObserver
	cfg      config.MemoryConfig
	cache    *embeddingCache
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewStore creates a memory store.
func NewStore(b backend.Backend, embedder embeddings.Provider, completer llm.Completer, cfg config.MemoryConfig, logger *observability.Logger, metrics *observability.Metrics) *Store {
	if cfg.MinMessages == 0 {
		cfg.MinMessages = 4
	}
	if cfg.SearchLimit == 0 {
		cfg.SearchLimit = 10
	}
	if cfg.QueryCacheSize == 0 {
		cfg.QueryCacheSize = 1000
	}
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = 2000
	}
	return &Store{
		backend:   b,
		embedder:  embedder,
		completer: completer,
		cfg:       cfg,
		cache:     newEmbeddingCache(cfg.QueryCacheSize),
		logger:    logger,
		metrics:   metrics,
	}
}

// SetObserver registers the embedding observer. Must be called before the
// store receives traffic.
func (s *Store) SetObserver(o EmbeddingObserver) {
	s.observer = o
}

// embedRetry is the policy for transient embedding failures within one
// extraction batch. The batch as a whole is also retried on the next
// extraction trigger, so attempts here stay low.
var embedRetry = retry.Exponential(3, 200*time.Millisecond, 5*time.Second)

// ExtractAndStore runs one extraction cycle over a conversation. It is a
// no-op until the conversation has accumulated MinMessages unprocessed
// turns, and re-running it without new messages never duplicates memories:
// a per-conversation watermark records how many turns have been processed.
func (s *Store) ExtractAndStore(ctx context.Context, ownerID, conversationID string, turns []models.ConversationTurn) (*models.ExtractionResult, error) {
	result := &models.ExtractionResult{}

	watermark, err := s.backend.Watermark(ctx, ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	if len(turns) <= watermark {
		return result, nil
	}
	unprocessed := turns[watermark:]
	if len(unprocessed) < s.cfg.MinMessages {
		return result, nil
	}

	raw, err := s.completer.Complete(ctx, buildExtractionPrompt(unprocessed))
	if err != nil {
		s.countLLM("extraction", err)
		return nil, fmt.Errorf("extraction completion: %w", err)
	}
	s.countLLM("extraction", nil)

	out, err := parseExtraction(raw)
	if err != nil {
		s.logger.Warn(ctx, "skipping extraction batch", "error", err, "conversation_id", conversationID)
		return nil, err
	}

	texts := make([]string, len(out.Entities))
	for i, e := range out.Entities {
		texts[i] = truncate(e.Content, s.cfg.MaxContentLength)
	}

	vectors, res := retry.DoWithValue(ctx, embedRetry, func() ([][]float32, error) {
		vecs, err := s.embedBatch(ctx, texts)
		if err != nil && !retriableEmbedding(err) {
			return nil, retry.Permanent(err)
		}
		return vecs, err
	})
	if res.Err != nil {
		// Nothing is persisted and the watermark stays put; the next
		// extraction trigger retries the whole batch.
		return nil, fmt.Errorf("embed extracted entities: %w", res.Err)
	}

	now := time.Now().UTC()
	memories := make([]*models.Memory, len(out.Entities))
	for i, e := range out.Entities {
		memories[i] = &models.Memory{
			OwnerID:    ownerID,
			SourceID:   conversationID,
			EntityType: models.EntityType(e.Type),
			Content:    texts[i],
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}

	edges := make([]*models.Relationship, 0, len(out.Relationships))
	for _, r := range out.Relationships {
		// IDs are assigned at insert time, so pre-assign them here to link
		// the edge endpoints.
		ensureID(memories[r.Source])
		ensureID(memories[r.Target])
		score := cosine(vectors[r.Source], vectors[r.Target])
		edges = append(edges, &models.Relationship{
			OwnerID:     ownerID,
			SourceID:    memories[r.Source].ID,
			TargetID:    memories[r.Target].ID,
			Score:       clamp01(score),
			Kind:        models.KindForScore(score),
			Description: r.Description,
		})
	}

	if err := s.backend.StoreExtraction(ctx, memories, edges, ownerID, conversationID, len(turns)); err != nil {
		return nil, fmt.Errorf("store extraction batch: %w", err)
	}

	result.EntitiesCreated = len(memories)
	result.RelationshipsCreated = len(edges) * 2 // Both directions

	if s.metrics != nil {
		s.metrics.MemoriesExtracted.Add(float64(len(memories)))
		s.metrics.RelationshipsWritten.Add(float64(len(edges) * 2))
	}
	s.logger.Info(ctx, "extraction batch stored",
		"conversation_id", conversationID,
		"entities", result.EntitiesCreated,
		"relationships", result.RelationshipsCreated)

	// Graph scans run against the committed vectors, outside this call's
	// critical path.
	if s.observer != nil {
		for _, m := range memories {
			s.observer.OnEmbedded(ctx, ownerID, m.ID, m.Embedding)
		}
	}

	return result, nil
}

// Search finds relevant memories by semantic similarity. Failures degrade to
// an empty result set: memory context is an enhancement, never a blocker for
// the conversation flow.
func (s *Store) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()

	if req.Limit == 0 {
		req.Limit = s.cfg.SearchLimit
	}
	if req.Threshold == 0 {
		req.Threshold = s.cfg.SearchThreshold
	}

	queryEmbed, ok := s.cache.get(req.Query)
	if !ok {
		embed, err := s.embed(ctx, req.Query)
		if err != nil {
			s.logger.Warn(ctx, "search degraded to empty result", "error", err)
			return &models.SearchResponse{QueryTime: time.Since(start)}, nil
		}
		queryEmbed = embed
		s.cache.set(req.Query, embed)
	}

	results, err := s.backend.Search(ctx, queryEmbed, &backend.SearchOptions{
		OwnerID:    req.OwnerID,
		EntityType: req.EntityType,
		Limit:      req.Limit,
		Threshold:  req.Threshold,
	})
	if err != nil {
		s.logger.Warn(ctx, "search degraded to empty result", "error", err)
		return &models.SearchResponse{QueryTime: time.Since(start)}, nil
	}

	return &models.SearchResponse{
		Results:    results,
		TotalCount: len(results),
		QueryTime:  time.Since(start),
	}, nil
}

// Relationships lists related items for one of the owner's memories or
// documents. Items belonging to other owners yield an empty list.
func (s *Store) Relationships(ctx context.Context, ownerID, itemID string) ([]*models.RelatedItem, error) {
	return s.backend.RelatedItems(ctx, ownerID, itemID)
}

// IndexDocument stores a document-level embedding and notifies the graph
// engine. Used when a document finishes text extraction upstream.
func (s *Store) IndexDocument(ctx context.Context, ownerID, documentID, text string) error {
	vector, err := s.embed(ctx, truncate(text, embeddings.MaxInputChars))
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	doc := &models.Memory{
		ID:         documentID,
		OwnerID:    ownerID,
		EntityType: models.EntityDocument,
		Content:    truncate(text, s.cfg.MaxContentLength),
		Embedding:  vector,
	}
	if err := s.backend.IndexDocument(ctx, doc); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.OnEmbedded(ctx, ownerID, documentID, vector)
	}
	return nil
}

// DeleteBySource soft-deletes all memories extracted from a source.
func (s *Store) DeleteBySource(ctx context.Context, ownerID, sourceID string) (int64, error) {
	return s.backend.SoftDeleteBySource(ctx, ownerID, sourceID)
}

// embed and embedBatch funnel all provider calls through one place so the
// embedding metrics stay accurate regardless of caller.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, err := s.embedder.Embed(ctx, text)
	s.observeEmbedding(start, err)
	return vector, err
}

func (s *Store) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	s.observeEmbedding(start, err)
	return vectors, err
}

func (s *Store) observeEmbedding(start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.EmbeddingRequestCounter.WithLabelValues(s.embedder.Name(), status).Inc()
	s.metrics.EmbeddingRequestDuration.WithLabelValues(s.embedder.Name()).Observe(time.Since(start).Seconds())
}

func (s *Store) countLLM(purpose string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.LLMRequestCounter.WithLabelValues(purpose, status).Inc()
}

func retriableEmbedding(err error) bool {
	return !errors.Is(err, embeddings.ErrInvalidInput)
}

func ensureID(m *models.Memory) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func clamp01(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
