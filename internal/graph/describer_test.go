package graph

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend/sqlitevec"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

type scriptedCompleter struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func newTestDescriber(t *testing.T, cfg config.DescriberConfig) (*Describer, *sqlitevec.Backend, *scriptedCompleter) {
	t.Helper()
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 2})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	completer := &scriptedCompleter{response: "Both cover panel regression methods."}
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return NewDescriber(b, completer, cfg, logger, nil), b, completer
}

func seedEdge(t *testing.T, b *sqlitevec.Backend) {
	t.Helper()
	ctx := context.Background()
	indexDoc(t, b, "doc-a", vectorAt(1.0))
	indexDoc(t, b, "doc-b", vectorAt(0.8))
	err := b.UpsertEdgePair(ctx, &models.Relationship{
		OwnerID:  "u1",
		SourceID: "doc-a",
		TargetID: "doc-b",
		Score:    0.8,
		Kind:     models.KindRelated,
	})
	if err != nil {
		t.Fatalf("seed edge: %v", err)
	}
}

func TestDescriberRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("describes both directions", func(t *testing.T) {
		d, b, _ := newTestDescriber(t, config.DescriberConfig{Lease: time.Minute, MaxAttempts: 3})
		seedEdge(t, b)

		completed, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if completed != 1 {
			t.Fatalf("completed %d edges, want 1", completed)
		}

		forward, _ := b.RelatedItems(ctx, "u1", "doc-a")
		reverse, _ := b.RelatedItems(ctx, "u1", "doc-b")
		if forward[0].Description != "Both cover panel regression methods." {
			t.Errorf("forward description = %q", forward[0].Description)
		}
		if reverse[0].Description != forward[0].Description {
			t.Errorf("directions diverged: %q vs %q", forward[0].Description, reverse[0].Description)
		}
	})

	t.Run("idle cycle completes nothing", func(t *testing.T) {
		d, b, completer := newTestDescriber(t, config.DescriberConfig{Lease: time.Minute, MaxAttempts: 3})
		seedEdge(t, b)

		if _, err := d.RunOnce(ctx); err != nil {
			t.Fatalf("first RunOnce: %v", err)
		}
		completed, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("second RunOnce: %v", err)
		}
		if completed != 0 {
			t.Errorf("second cycle completed %d edges, want 0", completed)
		}
		if completer.calls != 1 {
			t.Errorf("completer called %d times, want 1", completer.calls)
		}
	})

	t.Run("failures exhaust into failed state", func(t *testing.T) {
		d, b, completer := newTestDescriber(t, config.DescriberConfig{Lease: time.Minute, MaxAttempts: 2})
		seedEdge(t, b)
		completer.err = errors.New("model offline")

		for i := 0; i < 2; i++ {
			completed, err := d.RunOnce(ctx)
			if err != nil {
				t.Fatalf("RunOnce %d: %v", i, err)
			}
			if completed != 0 {
				t.Fatalf("cycle %d completed %d edges despite failures", i, completed)
			}
		}

		// Attempts exhausted: the edge stays queryable with its score but is
		// never claimed again, even with a working model.
		completer.err = nil
		completed, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("final RunOnce: %v", err)
		}
		if completed != 0 {
			t.Error("failed edge was re-claimed after exhausting attempts")
		}
		related, _ := b.RelatedItems(ctx, "u1", "doc-a")
		if len(related) != 1 || related[0].Score != 0.8 {
			t.Errorf("failed edge not queryable: %+v", related)
		}
		if related[0].Description != "" {
			t.Errorf("failed edge has description %q, want empty", related[0].Description)
		}
	})

	t.Run("empty description releases the edge", func(t *testing.T) {
		d, b, completer := newTestDescriber(t, config.DescriberConfig{Lease: time.Minute, MaxAttempts: 3})
		seedEdge(t, b)
		completer.response = "   "

		completed, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if completed != 0 {
			t.Error("blank description treated as success")
		}

		completer.response = "A cites B."
		completed, err = d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("retry RunOnce: %v", err)
		}
		if completed != 1 {
			t.Errorf("released edge not retried: completed %d", completed)
		}
	})
}
