// Package main provides the CLI entry point for the execplane control plane.
//
// Execplane runs code-execution tasks against a workspace tool catalog built
// from OpenAPI, GraphQL, and MCP sources, with policy and approval gating on
// every tool call.
//
// # Basic Usage
//
// Start the API server (with the in-process scheduler when configured):
//
//	execplane serve --config execplane.yaml
//
// Run a standalone task worker against a shared database:
//
//	execplane worker --config execplane.yaml
//
// # Environment Variables
//
//   - PORT: HTTP listen port (default: 8787)
//   - DATABASE_URL: Postgres DSN; omit to run on the in-memory store
//   - EXECUTOR_INTERNAL_TOKEN: bearer token for sandbox bridge traffic
//   - EXECUTOR_INTERNAL_BASE_URL: bridge URL handed to sandboxes
//   - EXECUTOR_PUBLIC_BASE_URL: externally reachable base URL
//   - EXECUTOR_TOOL_SOURCES: JSON array of tool sources seeded per workspace
//   - EXECUTOR_SERVER_AUTO_EXECUTE: run the scheduler inside the server
//   - EXECUTOR_WORKER_POLL_MS / EXECUTOR_WORKER_BATCH_SIZE: scheduler tuning
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/internal/config"
	"github.com/execplane/execplane/internal/events"
	"github.com/execplane/execplane/internal/gateway"
	"github.com/execplane/execplane/internal/invoke"
	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/internal/runtime"
	"github.com/execplane/execplane/internal/sandbox"
	"github.com/execplane/execplane/internal/scheduler"
	"github.com/execplane/execplane/internal/sources"
	"github.com/execplane/execplane/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "execplane",
		Short: "Execplane - code execution control plane",
		Long: `Execplane runs sandboxed code-execution tasks with access to a
per-workspace tool catalog built from OpenAPI, GraphQL, and MCP sources.
Every tool call passes through policy evaluation and approval gating.`,
		Version:      config.VersionString(),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execplane API server",
		Long: `Start the HTTP server: the REST API, the SSE event stream, the MCP
endpoint, and the internal sandbox bridge. With auto-execute enabled the task
scheduler runs inside the same process.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildWorkerCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone task worker",
		Long: `Run the task scheduler as its own process. Requires a database URL so
queued tasks and their events are shared with the API server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.VersionString())
		},
	}
}

// stack holds the assembled components shared by serve and worker.
type stack struct {
	repo      *storage.Repository
	hub       *events.Hub
	journal   *storage.Journal
	builder   *registry.Builder
	resolver  *registry.Resolver
	approvals *approvals.Coordinator
	pipeline  *invoke.Pipeline
	runtimes  *runtime.Registry
	metrics   *observability.Metrics
}

// buildStack opens the store and wires the execution components over it.
func buildStack(cfg *config.Config) (*stack, error) {
	var (
		repo *storage.Repository
		err  error
	)
	if cfg.Database.URL != "" {
		repo, err = storage.NewPostgresRepository(cfg.Database.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Info("storage ready", "backend", "postgres")
	} else {
		repo, _ = storage.NewMemoryRepository()
		slog.Warn("storage ready", "backend", "memory", "note", "state is lost on restart")
	}

	hub := events.NewHub(nil)
	journal := storage.NewJournal(repo.Events, hub, nil)

	metrics := observability.NewMetrics()
	builder := registry.NewBuilder(repo.Sources, repo.Registry, sources.Loaders(nil), registry.DefaultBuilderConfig(), metrics, nil)
	resolver := registry.NewResolver(repo.Registry, builder)
	coordinator := approvals.NewCoordinator(repo, journal, nil)
	pipeline := invoke.NewPipeline(repo, journal, resolver, sources.NewRunner(nil), coordinator, metrics, nil)

	runtimes := runtime.NewRegistry()
	runtimes.Register(runtime.NewInProcess(coordinator, nil), "In-process")

	return &stack{
		repo:      repo,
		hub:       hub,
		journal:   journal,
		builder:   builder,
		resolver:  resolver,
		approvals: coordinator,
		pipeline:  pipeline,
		runtimes:  runtimes,
		metrics:   metrics,
	}, nil
}

func setupLogging(cfg *config.Config, debug bool) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	observability.SetupDefault(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

func seedSources(cfg *config.Config) []gateway.SeedSource {
	seeds := make([]gateway.SeedSource, 0, len(cfg.ToolSources))
	for _, src := range cfg.ToolSources {
		seeds = append(seeds, gateway.SeedSource{
			Name:    src.Name,
			Type:    src.Type,
			Config:  src.Config,
			Enabled: src.Enabled == nil || *src.Enabled,
		})
	}
	return seeds
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg, debug)

	slog.Info("starting execplane server",
		"version", config.Version,
		"commit", config.Commit,
		"addr", cfg.Server.Addr(),
		"auto_execute", cfg.Server.AutoExecute,
	)

	components, err := buildStack(cfg)
	if err != nil {
		return err
	}

	server := gateway.NewServer(gateway.Config{
		Addr:          cfg.Server.Addr(),
		InternalToken: cfg.Server.InternalToken,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		SeedSources:   seedSources(cfg),
	}, components.repo, components.journal, components.resolver, components.builder,
		components.pipeline, components.approvals, components.runtimes,
		sandbox.NewBridge(cfg.Server.InternalToken, nil), components.metrics, nil)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Server.AutoExecute {
		sched = scheduler.New(components.repo, components.journal, components.runtimes,
			components.pipeline, components.metrics, scheduler.Config{
				PollInterval: cfg.Worker.PollInterval,
				BatchSize:    cfg.Worker.BatchSize,
			}, nil)
		sched.Start(ctx)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if sched != nil {
		sched.Stop()
	}
	server.Stop(shutdownCtx)
	if err := components.repo.Close(); err != nil {
		slog.Warn("store close error", "error", err)
	}

	slog.Info("execplane stopped gracefully")
	return nil
}

func runWorker(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("worker requires a database url; set DATABASE_URL or database.url")
	}
	setupLogging(cfg, debug)

	slog.Info("starting execplane worker",
		"version", config.Version,
		"poll_interval", cfg.Worker.PollInterval,
		"batch_size", cfg.Worker.BatchSize,
	)

	components, err := buildStack(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(components.repo, components.journal, components.runtimes,
		components.pipeline, components.metrics, scheduler.Config{
			PollInterval: cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
		}, nil)
	sched.Start(ctx)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight tasks")
	sched.Stop()
	if err := components.repo.Close(); err != nil {
		slog.Warn("store close error", "error", err)
	}

	slog.Info("execplane worker stopped gracefully")
	return nil
}
