package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend/sqlitevec"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// angleEmbedder maps commands to fixed unit vectors so tests control the
// exact similarity between any two commands.
type angleEmbedder struct {
	mu      sync.Mutex
	calls   int
	err     error
	vectors map[string][]float32
}

func unitVector(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func (e *angleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return unitVector(0), nil
}

func (e *angleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *angleEmbedder) Name() string      { return "fake" }
func (e *angleEmbedder) Dimension() int    { return 2 }
func (e *angleEmbedder) MaxBatchSize() int { return 100 }

type countingCompleter struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
}

func (c *countingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func (c *countingCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestResolver(t *testing.T, threshold float32) (*Resolver, *angleEmbedder, *countingCompleter, *sqlitevec.Backend) {
	t.Helper()
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 2})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	embedder := &angleEmbedder{vectors: map[string][]float32{}}
	completer := &countingCompleter{response: `{"kind": "highlight", "params": {"text": "the key passage"}}`}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})

	cfg := config.ActionsConfig{SimilarityThreshold: threshold, Retention: 90 * 24 * time.Hour}
	return NewResolver(b, embedder, completer, cfg, logger, nil), embedder, completer, b
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("first resolution parses and caches", func(t *testing.T) {
		r, embedder, completer, _ := newTestResolver(t, 0.85)
		embedder.vectors["highlight that"] = unitVector(1.0)

		action, err := r.Resolve(ctx, "u1", "highlight that")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if action.Kind != models.ActionHighlight {
			t.Errorf("kind = %s, want highlight", action.Kind)
		}
		if completer.callCount() != 1 {
			t.Errorf("completer called %d times, want 1", completer.callCount())
		}
	})

	t.Run("similar command above threshold hits cache", func(t *testing.T) {
		r, embedder, completer, _ := newTestResolver(t, 0.85)
		embedder.vectors["highlight that"] = unitVector(1.0)
		embedder.vectors["highlight this bit"] = unitVector(0.95)

		if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
			t.Fatalf("seed Resolve: %v", err)
		}
		action, err := r.Resolve(ctx, "u1", "highlight this bit")
		if err != nil {
			t.Fatalf("cached Resolve: %v", err)
		}
		if action.Kind != models.ActionHighlight {
			t.Errorf("kind = %s, want highlight", action.Kind)
		}
		if completer.callCount() != 1 {
			t.Errorf("cache hit still called the model: %d calls", completer.callCount())
		}
	})

	t.Run("dissimilar command below threshold misses cache", func(t *testing.T) {
		r, embedder, completer, _ := newTestResolver(t, 0.85)
		embedder.vectors["highlight that"] = unitVector(1.0)
		embedder.vectors["export to markdown"] = unitVector(0.70)

		if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
			t.Fatalf("seed Resolve: %v", err)
		}
		completer.response = `{"kind": "export", "params": {"target": "markdown"}}`
		action, err := r.Resolve(ctx, "u1", "export to markdown")
		if err != nil {
			t.Fatalf("miss Resolve: %v", err)
		}
		if action.Kind != models.ActionExport {
			t.Errorf("kind = %s, want export", action.Kind)
		}
		if completer.callCount() != 2 {
			t.Errorf("completer called %d times, want 2", completer.callCount())
		}
	})

	t.Run("hits touch usage metadata", func(t *testing.T) {
		r, embedder, _, b := newTestResolver(t, 0.85)
		embedder.vectors["highlight that"] = unitVector(1.0)

		if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
			t.Fatalf("seed Resolve: %v", err)
		}
		if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
			t.Fatalf("hit Resolve: %v", err)
		}

		entry, _, found, err := b.NearestAction(ctx, "u1", unitVector(1.0))
		if err != nil || !found {
			t.Fatalf("NearestAction: found=%v err=%v", found, err)
		}
		if entry.HitCount != 1 {
			t.Errorf("hit count = %d, want 1", entry.HitCount)
		}
	})

	t.Run("owners never share cache entries", func(t *testing.T) {
		r, embedder, completer, _ := newTestResolver(t, 0.85)
		embedder.vectors["highlight that"] = unitVector(1.0)

		if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
			t.Fatalf("u1 Resolve: %v", err)
		}
		if _, err := r.Resolve(ctx, "u2", "highlight that"); err != nil {
			t.Fatalf("u2 Resolve: %v", err)
		}
		if completer.callCount() != 2 {
			t.Errorf("completer called %d times, want 2 (one per owner)", completer.callCount())
		}
	})

	t.Run("unparseable command returns ErrActionParse and caches nothing", func(t *testing.T) {
		r, _, completer, _ := newTestResolver(t, 0.85)
		completer.response = `{"kind": "none"}`

		if _, err := r.Resolve(ctx, "u1", "mumble mumble"); !errors.Is(err, ErrActionParse) {
			t.Fatalf("expected ErrActionParse, got %v", err)
		}

		// The failed resolution must not be served from cache later.
		completer.response = `{"kind": "search", "params": {"query": "mumble"}}`
		action, err := r.Resolve(ctx, "u1", "mumble mumble")
		if err != nil {
			t.Fatalf("second Resolve: %v", err)
		}
		if action.Kind != models.ActionSearch {
			t.Errorf("kind = %s, want search", action.Kind)
		}
		if completer.callCount() != 2 {
			t.Errorf("completer called %d times, want 2", completer.callCount())
		}
	})

	t.Run("schema violation is a parse error", func(t *testing.T) {
		r, _, completer, _ := newTestResolver(t, 0.85)
		// highlight requires "text"
		completer.response = `{"kind": "highlight", "params": {"color": "yellow"}}`

		if _, err := r.Resolve(ctx, "u1", "highlight"); !errors.Is(err, ErrActionParse) {
			t.Fatalf("expected ErrActionParse for schema violation, got %v", err)
		}
	})

	t.Run("embedding outage falls back to a fresh parse", func(t *testing.T) {
		r, embedder, completer, b := newTestResolver(t, 0.85)
		embedder.err = errors.New("embedding service offline")

		action, err := r.Resolve(ctx, "u1", "highlight that")
		if err != nil {
			t.Fatalf("Resolve during embedding outage: %v", err)
		}
		if action.Kind != models.ActionHighlight {
			t.Errorf("kind = %s, want highlight", action.Kind)
		}
		if completer.callCount() != 1 {
			t.Errorf("completer called %d times, want 1", completer.callCount())
		}

		// Without a command vector nothing can be cached.
		_, _, found, err := b.NearestAction(ctx, "u1", unitVector(1.0))
		if err != nil {
			t.Fatalf("NearestAction: %v", err)
		}
		if found {
			t.Error("an entry was cached despite the embedding outage")
		}
	})

	t.Run("model unavailability surfaces as error", func(t *testing.T) {
		r, _, completer, _ := newTestResolver(t, 0.85)
		completer.err = errors.New("model offline")

		if _, err := r.Resolve(ctx, "u1", "highlight that"); err == nil {
			t.Fatal("expected error when the model is offline and cache is empty")
		}
	})
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	r, embedder, _, b := newTestResolver(t, 0.85)
	embedder.vectors["highlight that"] = unitVector(1.0)

	if _, err := r.Resolve(ctx, "u1", "highlight that"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Nothing is stale yet.
	pruned, err := r.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d fresh entries", pruned)
	}

	// Shrink retention below the entry's age.
	r.cfg.Retention = time.Nanosecond
	time.Sleep(10 * time.Millisecond)
	pruned, err = r.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d entries, want 1", pruned)
	}

	if _, _, found, _ := b.NearestAction(ctx, "u1", unitVector(1.0)); found {
		t.Error("pruned entry still present")
	}
}

func TestValidateAction(t *testing.T) {
	valid := &models.Action{
		Kind:   models.ActionNavigate,
		Params: json.RawMessage(`{"destination": "chapter 3", "page": 41}`),
	}
	if err := validateAction(valid); err != nil {
		t.Errorf("valid action rejected: %v", err)
	}

	unknown := &models.Action{Kind: "teleport", Params: json.RawMessage(`{}`)}
	if err := validateAction(unknown); err == nil {
		t.Error("unknown kind accepted")
	}

	stray := &models.Action{
		Kind:   models.ActionSearch,
		Params: json.RawMessage(`{"query": "x", "bogus": true}`),
	}
	if err := validateAction(stray); err == nil || !strings.Contains(err.Error(), "search") {
		t.Errorf("additional property accepted or wrong error: %v", err)
	}
}
