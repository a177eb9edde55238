package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/llm"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
)

const describePromptTemplate = `In one short sentence, state how these two notes relate to each other.
Respond with only the sentence, no preamble.

Note A: %s

Note B: %s`

// maxEndpointChars bounds how much of each endpoint's content goes into the
// description prompt.
const maxEndpointChars = 500

// Describer generates natural-language descriptions for pending edges on a
// cron schedule. Claims use a lease so overlapping runs (or a second
// process) never describe the same edge twice; a described pair gets the
// same text on both directions.
type Describer struct {
	backend   backend.Backend
	completer llm.Completer
	cfg       config.DescriberConfig
	cron      *cron.Cron
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewDescriber creates the edge description worker.
func NewDescriber(b backend.Backend, completer llm.Completer, cfg config.DescriberConfig, logger *observability.Logger, metrics *observability.Metrics) *Describer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease == 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Describer{
		backend:   b,
		completer: completer,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Start schedules the describer.
func (d *Describer) Start() error {
	schedule := d.cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	_, err := d.cron.AddFunc(schedule, func() {
		if _, err := d.RunOnce(context.Background()); err != nil {
			d.logger.Warn(context.Background(), "description cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule describer: %w", err)
	}
	d.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running cycle to finish.
func (d *Describer) Stop() {
	<-d.cron.Stop().Done()
}

// RunOnce claims one batch of pending edges and describes them. Returns how
// many edges were completed. A failed description releases the edge for a
// later cycle until its attempts run out.
func (d *Describer) RunOnce(ctx context.Context) (int, error) {
	edges, err := d.backend.ClaimPendingEdges(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim pending edges: %w", err)
	}

	completed := 0
	for _, edge := range edges {
		if err := d.describe(ctx, edge.SourceID, edge.TargetID); err != nil {
			d.logger.Warn(ctx, "edge description failed",
				"source_id", edge.SourceID, "target_id", edge.TargetID,
				"attempt", edge.Attempts, "error", err)
			if rerr := d.backend.ReleaseEdge(ctx, edge.SourceID, edge.TargetID, d.cfg.MaxAttempts); rerr != nil {
				return completed, fmt.Errorf("release edge: %w", rerr)
			}
			continue
		}
		completed++
	}

	if completed > 0 {
		d.logger.Info(ctx, "described edges", "completed", completed, "claimed", len(edges))
	}
	return completed, nil
}

func (d *Describer) describe(ctx context.Context, sourceID, targetID string) error {
	source, err := d.backend.GetItem(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source %s: %w", sourceID, err)
	}
	target, err := d.backend.GetItem(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load target %s: %w", targetID, err)
	}

	prompt := fmt.Sprintf(describePromptTemplate,
		clip(source.Content, maxEndpointChars),
		clip(target.Content, maxEndpointChars))

	raw, err := d.completer.Complete(ctx, prompt)
	d.countLLM(err)
	if err != nil {
		return fmt.Errorf("generate description: %w", err)
	}
	description := strings.TrimSpace(raw)
	if description == "" {
		return errors.New("empty description")
	}

	return d.backend.CompleteEdge(ctx, sourceID, targetID, description)
}

func (d *Describer) countLLM(err error) {
	if d.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.LLMRequestCounter.WithLabelValues("description", status).Inc()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
