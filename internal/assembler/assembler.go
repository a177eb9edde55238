// Package assembler merges retrieved memories, notes and highlights into a
// ranked context payload under a token ceiling.
package assembler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// charsPerToken is the token estimator constant: roughly four characters of
// English text per token.
const charsPerToken = 4

// EstimateTokens approximates the token cost of a text.
func EstimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// ItemSource retrieves candidate context items for a query. The memory
// store, notes and highlights each sit behind one. Fetch must be safe for
// concurrent use.
type ItemSource interface {
	// Name identifies the source in logs.
	Name() string

	// Fetch returns up to limit candidate items ranked by relevance.
	Fetch(ctx context.Context, ownerID, query string, limit int) ([]*models.ContextItem, error)
}

// Assembler builds token-budgeted context payloads from multiple sources.
type Assembler struct {
	sources []ItemSource
	cfg     config.AssemblerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a context assembler over the given sources.
func New(sources []ItemSource, cfg config.AssemblerConfig, logger *observability.Logger, metrics *observability.Metrics) *Assembler {
	if cfg.DefaultCeiling == 0 {
		cfg.DefaultCeiling = 2000
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 20
	}
	return &Assembler{
		sources: sources,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// recallSignals are phrases indicating the user wants something brought
// back from earlier conversations or saved material.
var recallSignals = []string{
	"remember",
	"recall",
	"earlier",
	"previous",
	"previously",
	"last time",
	"we discussed",
	"we talked",
	"my notes",
	"my note",
	"my highlights",
	"my highlight",
	"that document",
	"the document",
	"you mentioned",
	"you said",
	"what did i",
}

// wantsRecall reports whether the query warrants retrieval at all. Queries
// without a recall signal skip the whole pipeline, keeping ordinary chat
// turns cheap.
func wantsRecall(query string) bool {
	lower := strings.ToLower(query)
	for _, signal := range recallSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

// Assemble retrieves candidates from every source in parallel, merges them
// into one ranked list and greedily fills the token ceiling. A failing
// source contributes nothing; the rest still assemble. Output is
// deterministic for identical inputs.
func (a *Assembler) Assemble(ctx context.Context, ownerID, query string, ceiling int) (*models.ContextBudget, error) {
	if ceiling <= 0 {
		ceiling = a.cfg.DefaultCeiling
	}

	if !wantsRecall(query) {
		a.countAssembly("skipped")
		return &models.ContextBudget{Ceiling: ceiling, Skipped: true}, nil
	}

	candidates := a.gather(ctx, ownerID, query)
	if len(candidates) == 0 {
		a.countAssembly("empty")
		return &models.ContextBudget{Ceiling: ceiling}, nil
	}

	a.rank(candidates)

	budget := &models.ContextBudget{Ceiling: ceiling}
	for _, item := range candidates {
		if item.Tokens == 0 {
			item.Tokens = EstimateTokens(item.Content)
		}
		if budget.TokensUsed+item.Tokens > ceiling {
			continue
		}
		budget.Items = append(budget.Items, item)
		budget.TokensUsed += item.Tokens
		if len(budget.Items) >= a.cfg.MaxItems {
			break
		}
	}

	a.countAssembly("assembled")
	if a.metrics != nil {
		a.metrics.ContextTokensUsed.Observe(float64(budget.TokensUsed))
	}
	a.logger.Debug(ctx, "context assembled",
		"items", len(budget.Items), "tokens", budget.TokensUsed, "ceiling", ceiling)
	return budget, nil
}

// gather fans out to all sources concurrently and collects their items.
func (a *Assembler) gather(ctx context.Context, ownerID, query string) []*models.ContextItem {
	results := make([][]*models.ContextItem, len(a.sources))

	var wg sync.WaitGroup
	for i, source := range a.sources {
		wg.Add(1)
		go func(i int, source ItemSource) {
			defer wg.Done()
			items, err := source.Fetch(ctx, ownerID, query, a.cfg.MaxItems)
			if err != nil {
				a.logger.Warn(ctx, "context source failed", "source", source.Name(), "error", err)
				return
			}
			results[i] = items
		}(i, source)
	}
	wg.Wait()

	var merged []*models.ContextItem
	for _, items := range results {
		merged = append(merged, items...)
	}
	return merged
}

// rank orders candidates by a blend of similarity and recency, with stable
// tie-breaks on ID so identical inputs always produce identical output.
func (a *Assembler) rank(items []*models.ContextItem) {
	now := a.now()
	weights := make(map[*models.ContextItem]float64, len(items))
	for _, item := range items {
		weights[item] = a.weight(item, now)
	}
	sort.SliceStable(items, func(i, j int) bool {
		wi, wj := weights[items[i]], weights[items[j]]
		if wi != wj {
			return wi > wj
		}
		return items[i].ID < items[j].ID
	})
}

// weight blends similarity with a recency bonus that decays to zero over
// thirty days.
func (a *Assembler) weight(item *models.ContextItem, now time.Time) float64 {
	score := float64(item.Score)
	if item.CreatedAt.IsZero() {
		return score
	}
	age := now.Sub(item.CreatedAt)
	if age < 0 {
		age = 0
	}
	const window = 30 * 24 * time.Hour
	recency := 1.0 - float64(age)/float64(window)
	if recency < 0 {
		recency = 0
	}
	return score + float64(a.cfg.RecencyWeight)*recency
}

func (a *Assembler) countAssembly(outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ContextAssemblies.WithLabelValues(outcome).Inc()
}
