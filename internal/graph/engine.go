// Package graph maintains the bidirectional relationship graph between
// memories and documents: similarity-gated edge creation when embeddings
// commit, and background description generation for new edges.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// Engine links newly embedded items to their nearest neighbors. It
// implements the memory store's EmbeddingObserver: every committed
// embedding triggers one bounded neighbor scan, off the write path that
// produced it.
type Engine struct {
	backend backend.Backend
	cfg     config.GraphConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	scanTimeout time.Duration
	wg          sync.WaitGroup
}

// NewEngine creates a relationship graph engine.
func NewEngine(b backend.Backend, cfg config.GraphConfig, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if cfg.SimilarityFloor == 0 {
		cfg.SimilarityFloor = 0.6
	}
	if cfg.ScanLimit == 0 {
		cfg.ScanLimit = 20
	}
	return &Engine{
		backend:     b,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		scanTimeout: 30 * time.Second,
	}
}

// OnEmbedded schedules a neighbor scan for the item. The scan runs in its
// own goroutine with a detached context so a finished HTTP request cannot
// cancel it mid-write.
func (e *Engine) OnEmbedded(ctx context.Context, ownerID, itemID string, vector []float32) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.scanTimeout)
		defer cancel()
		if _, err := e.Link(scanCtx, ownerID, itemID, vector); err != nil {
			e.logger.Warn(scanCtx, "neighbor scan failed", "item_id", itemID, "error", err)
		}
	}()
}

// Link scans for neighbors above the similarity floor and upserts an edge
// pair per hit. Edges below the floor are never created; near-floor churn is
// absorbed by the upsert, which keeps existing descriptions. Returns the
// number of edge pairs written.
func (e *Engine) Link(ctx context.Context, ownerID, itemID string, vector []float32) (int, error) {
	neighbors, err := e.backend.Neighbors(ctx, ownerID, itemID, vector, e.cfg.SimilarityFloor, e.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("scan neighbors of %s: %w", itemID, err)
	}

	written := 0
	for _, n := range neighbors {
		edge := &models.Relationship{
			OwnerID:  ownerID,
			SourceID: itemID,
			TargetID: n.ID,
			Score:    n.Score,
			Kind:     models.KindForScore(n.Score),
		}
		if err := e.backend.UpsertEdgePair(ctx, edge); err != nil {
			return written, fmt.Errorf("upsert edge %s->%s: %w", itemID, n.ID, err)
		}
		written++
	}

	if written > 0 {
		if e.metrics != nil {
			e.metrics.RelationshipsWritten.Add(float64(written * 2))
		}
		e.logger.Debug(ctx, "linked item to neighbors", "item_id", itemID, "edges", written)
	}
	return written, nil
}

// Wait blocks until all in-flight neighbor scans finish. Called on shutdown
// so committed embeddings are never left unlinked.
func (e *Engine) Wait() {
	e.wg.Wait()
}
