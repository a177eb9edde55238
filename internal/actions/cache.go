// Package actions resolves natural-language commands into structured
// actions, with a similarity-gated cache so repeated phrasings skip the LLM.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/embeddings"
	"github.com/msai-amin/Ryzomatic-sub006/internal/llm"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// ErrActionParse indicates the command could not be resolved into any known
// action kind. Unresolved commands are never cached.
var ErrActionParse = errors.New("actions: command did not resolve to a known action")

const parsePromptTemplate = `Convert the user command into one structured action.

Action kinds and their params:
- highlight: {"text": string, "color"?: string, "page"?: integer}
- create-note: {"content": string, "title"?: string, "document_id"?: string}
- search: {"query": string, "scope"?: "document"|"library"|"notes"}
- export: {"target": "markdown"|"pdf"|"clipboard", "document_id"?: string}
- speak: {"text"?: string, "from"?: "selection"|"page"|"document"}
- question: {"question": string, "document_id"?: string}
- navigate: {"destination": string, "page"?: integer}

Respond with ONLY a JSON object: {"kind": "<kind>", "params": {...}}
If the command matches no kind, respond with {"kind": "none"}.

Command: %s`

// Resolver resolves commands through the cache-then-LLM pipeline.
type Resolver struct {
	store     backend.ActionStore
	embedder  embeddings.Provider
	completer llm.Completer
	cfg       config.ActionsConfig
	cron      *cron.Cron
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewResolver creates an action resolver.
func NewResolver(store backend.ActionStore, embedder embeddings.Provider, completer llm.Completer, cfg config.ActionsConfig, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.Retention == 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &Resolver{
		store:     store,
		embedder:  embedder,
		completer: completer,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Resolve turns a command into a structured action. A cached entry whose
// command embedding is similar enough is reused without an LLM call; below
// the threshold the command goes through a fresh parse and the result is
// cached for next time. The cache needs the command vector, the fresh parse
// does not, so an embedding outage only disables reuse.
func (r *Resolver) Resolve(ctx context.Context, ownerID, command string) (*models.Action, error) {
	vector, err := r.embedder.Embed(ctx, command)
	if err != nil {
		r.logger.Warn(ctx, "action cache skipped, embedding unavailable", "error", err)
		r.countLookup("skipped")
		return r.parse(ctx, command)
	}

	entry, score, found, err := r.store.NearestAction(ctx, ownerID, vector)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if found && score >= r.cfg.SimilarityThreshold {
		r.countLookup("hit")
		if err := r.store.TouchAction(ctx, entry.ID); err != nil {
			r.logger.Warn(ctx, "cache touch failed", "entry_id", entry.ID, "error", err)
		}
		r.logger.Debug(ctx, "action cache hit", "score", score, "kind", string(entry.Action.Kind))
		return &entry.Action, nil
	}
	r.countLookup("miss")

	action, err := r.parse(ctx, command)
	if err != nil {
		return nil, err
	}

	if err := r.store.PutAction(ctx, &models.ActionCacheEntry{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Command:   command,
		Action:    *action,
		Embedding: vector,
	}); err != nil {
		// The caller still gets the action; only reuse is lost.
		r.logger.Warn(ctx, "caching resolved action failed", "error", err)
	}
	return action, nil
}

// parse asks the LLM for a structured interpretation and validates it
// against the closed action schemas.
func (r *Resolver) parse(ctx context.Context, command string) (*models.Action, error) {
	raw, err := r.completer.Complete(ctx, fmt.Sprintf(parsePromptTemplate, command))
	r.countLLM(err)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var action models.Action
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &action); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActionParse, err)
	}
	if action.Kind == "none" || action.Kind == "" {
		return nil, fmt.Errorf("%w: %q", ErrActionParse, command)
	}
	if err := validateAction(&action); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActionParse, err)
	}
	return &action, nil
}

// StartSweeper schedules the retention sweep.
func (r *Resolver) StartSweeper() error {
	schedule := r.cfg.SweepSchedule
	if schedule == "" {
		schedule = "@daily"
	}
	_, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.SweepOnce(context.Background()); err != nil {
			r.logger.Warn(context.Background(), "action cache sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule action sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// StopSweeper stops the schedule and waits for a running sweep.
func (r *Resolver) StopSweeper() {
	<-r.cron.Stop().Done()
}

// SweepOnce prunes entries unused longer than the retention window.
func (r *Resolver) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)
	pruned, err := r.store.PruneActions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	if pruned > 0 {
		r.logger.Info(ctx, "pruned stale action cache entries", "pruned", pruned)
	}
	return pruned, nil
}

func (r *Resolver) countLookup(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ActionCacheLookups.WithLabelValues(result).Inc()
}

func (r *Resolver) countLLM(err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.LLMRequestCounter.WithLabelValues("action", status).Inc()
}

// stripCodeFence removes a surrounding markdown code fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
