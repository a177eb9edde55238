package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/msai-amin/Ryzomatic-sub006/internal/actions"
	"github.com/msai-amin/Ryzomatic-sub006/internal/assembler"
	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/embeddings/openai"
	"github.com/msai-amin/Ryzomatic-sub006/internal/gateway"
	"github.com/msai-amin/Ryzomatic-sub006/internal/graph"
	"github.com/msai-amin/Ryzomatic-sub006/internal/llm"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory/backend/sqlitevec"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
)

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the memory subsystem HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	embedder, err := openai.New(openai.Config{
		APIKey:  cfg.Embeddings.APIKey,
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		Timeout: cfg.Embeddings.Timeout,
	})
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}

	completer, err := llm.New(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("completion client: %w", err)
	}

	store, backend, err := buildStore(cfg, embedder, completer, logger, metrics)
	if err != nil {
		return err
	}
	defer backend.Close()

	engine := graph.NewEngine(backend, cfg.Graph, logger, metrics)
	store.SetObserver(engine)
	defer engine.Wait()

	describer := graph.NewDescriber(backend, completer, cfg.Graph.Describer, logger, metrics)
	if cfg.Graph.Describer.Enabled {
		if err := describer.Start(); err != nil {
			return err
		}
		defer describer.Stop()
	}

	resolver := actions.NewResolver(backend, embedder, completer, cfg.Actions, logger, metrics)
	if err := resolver.StartSweeper(); err != nil {
		return err
	}
	defer resolver.StopSweeper()

	asm := assembler.New([]assembler.ItemSource{
		assembler.NewMemorySource(store, cfg.Memory.SearchThreshold),
	}, cfg.Assembler, logger, metrics)

	server := gateway.NewServer(cfg.Server, store, asm, resolver, logger, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildStore(cfg *config.Config, embedder *openai.Provider, completer *llm.Client, logger *observability.Logger, metrics *observability.Metrics) (*memory.Store, *sqlitevec.Backend, error) {
	backend, err := sqlitevec.New(sqlitevec.Config{
		Path:      cfg.Storage.Path,
		Dimension: embedder.Dimension(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	store := memory.NewStore(backend, embedder, completer, cfg.Memory, logger, metrics)
	return store, backend, nil
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print storage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := sqlitevec.New(sqlitevec.Config{Path: cfg.Storage.Path})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer backend.Close()

			stats, err := backend.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("storage:        %s\n", storagePath(cfg))
			fmt.Printf("memories:       %d\n", stats.Memories)
			fmt.Printf("documents:      %d\n", stats.Documents)
			fmt.Printf("relationships:  %d (%d pending description)\n", stats.Relationships, stats.PendingEdges)
			fmt.Printf("action entries: %d\n", stats.ActionEntries)
			return nil
		},
	}
}

func storagePath(cfg *config.Config) string {
	if cfg.Storage.Path == "" {
		return ":memory:"
	}
	return cfg.Storage.Path
}

func buildSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the description and retention sweeps once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})

			completer, err := llm.New(llm.Config{
				APIKey:  cfg.LLM.APIKey,
				BaseURL: cfg.LLM.BaseURL,
				Model:   cfg.LLM.Model,
				Timeout: cfg.LLM.Timeout,
			})
			if err != nil {
				return fmt.Errorf("completion client: %w", err)
			}

			backend, err := sqlitevec.New(sqlitevec.Config{Path: cfg.Storage.Path})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer backend.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			describer := graph.NewDescriber(backend, completer, cfg.Graph.Describer, logger, nil)
			described, err := describer.RunOnce(ctx)
			if err != nil {
				return err
			}

			cutoff := time.Now().UTC().Add(-cfg.Actions.Retention)
			pruned, err := backend.PruneActions(ctx, cutoff)
			if err != nil {
				return err
			}

			fmt.Printf("described edges: %d\npruned actions:  %d\n", described, pruned)
			return nil
		},
	}
}
