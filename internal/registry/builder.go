package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/internal/backoff"
	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// Loader turns one tool source into serialized tools. Loaders never panic;
// a failing source contributes warnings only.
type Loader interface {
	Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error)
}

// BuilderConfig tunes the build process.
type BuilderConfig struct {
	// SourceTimeout bounds each source load.
	SourceTimeout time.Duration

	// StaleAfter is how long an in-flight claim blocks competing builds.
	StaleAfter time.Duration

	// BatchSize caps rows per storage mutation.
	BatchSize int

	// KeepBuilds is how many committed builds survive pruning.
	KeepBuilds int

	// LoadAttempts is how many times a failing source load is tried.
	LoadAttempts int
}

// DefaultBuilderConfig returns default build settings.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		SourceTimeout: 30 * time.Second,
		StaleAfter:    120 * time.Second,
		BatchSize:     100,
		KeepBuilds:    2,
		LoadAttempts:  2,
	}
}

// Builder rebuilds workspace tool catalogs from their enabled sources.
type Builder struct {
	sources  storage.SourceStore
	registry storage.RegistryStore
	loaders  map[models.SourceType]Loader
	config   BuilderConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewBuilder creates a Builder over the given stores and loaders.
func NewBuilder(sources storage.SourceStore, registry storage.RegistryStore, loaders map[models.SourceType]Loader, config BuilderConfig, metrics *observability.Metrics, logger *slog.Logger) *Builder {
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = DefaultBuilderConfig().SourceTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultBuilderConfig().StaleAfter
	}
	if config.BatchSize <= 0 || config.BatchSize > 100 {
		config.BatchSize = 100
	}
	if config.KeepBuilds <= 0 {
		config.KeepBuilds = 2
	}
	if config.LoadAttempts <= 0 {
		config.LoadAttempts = DefaultBuilderConfig().LoadAttempts
	}
	if logger == nil {
		logger = slog.Default().With("component", "registry")
	}
	return &Builder{
		sources:  sources,
		registry: registry,
		loaders:  loaders,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// countBuild records one build outcome: committed, failed, or skipped.
func (b *Builder) countBuild(result string) {
	if b.metrics != nil {
		b.metrics.RegistryBuilds.WithLabelValues(result).Inc()
	}
}

// EnsureReady returns a ready registry state for the workspace, rebuilding
// first when the stored signature no longer matches the enabled sources.
func (b *Builder) EnsureReady(ctx context.Context, workspaceID string) (*models.RegistryState, error) {
	enabled, err := b.sources.ListSources(ctx, workspaceID, true)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	signature := Signature(enabled)

	state, err := b.registry.GetRegistryState(ctx, workspaceID)
	if err == nil && state.State(signature) == models.RegistryStateReady {
		return state, nil
	}
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	return b.Rebuild(ctx, workspaceID)
}

// Rebuild runs one full build for the workspace. An unchanged signature with
// a committed build is a no-op; the ready build is never replaced by an
// identical one.
func (b *Builder) Rebuild(ctx context.Context, workspaceID string) (*models.RegistryState, error) {
	enabled, err := b.sources.ListSources(ctx, workspaceID, true)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	signature := Signature(enabled)

	if state, err := b.registry.GetRegistryState(ctx, workspaceID); err == nil {
		if state.Signature == signature && state.ReadyBuildID != "" {
			b.countBuild("skipped")
			return state, nil
		}
	}

	buildID := uuid.NewString()
	claimed, err := b.registry.ClaimBuild(ctx, workspaceID, buildID, b.config.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}
	if !claimed {
		// A fresh build is already in flight; report its state.
		return b.registry.GetRegistryState(ctx, workspaceID)
	}
	b.logger.Info("registry build claimed", "workspace_id", workspaceID, "build_id", buildID, "sources", len(enabled))

	state, err := b.runBuild(ctx, workspaceID, buildID, signature, enabled)
	if err != nil {
		if failErr := b.registry.FailBuild(ctx, workspaceID, buildID); failErr != nil {
			b.logger.Error("fail build", "workspace_id", workspaceID, "error", failErr)
		}
		b.countBuild("failed")
		return nil, err
	}
	b.countBuild("committed")
	return state, nil
}

// loadSource fetches one source's tools, retrying transient failures. Each
// attempt gets its own timeout.
func (b *Builder) loadSource(ctx context.Context, loader Loader, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	type loaded struct {
		tools    []*models.SerializedTool
		warnings []string
	}
	result, err := backoff.Retry(ctx, backoff.DefaultPolicy(), b.config.LoadAttempts, func(attempt int) (loaded, error) {
		if attempt > 1 {
			b.logger.Info("retrying source load", "source", source.Key(), "attempt", attempt)
		}
		loadCtx, cancel := context.WithTimeout(ctx, b.config.SourceTimeout)
		defer cancel()
		tools, warnings, err := loader.Load(loadCtx, source)
		return loaded{tools: tools, warnings: warnings}, err
	})
	return result.tools, result.warnings, err
}

func (b *Builder) runBuild(ctx context.Context, workspaceID, buildID, signature string, enabled []*models.ToolSource) (*models.RegistryState, error) {
	var (
		entries      []*models.RegistryEntry
		warnings     []string
		sourceStates []models.SourceBuildState
		nsCounts     = make(map[string]*models.NamespaceSummary)
	)

	for _, source := range enabled {
		loader, ok := b.loaders[source.Type]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: no loader for source type %q", source.Key(), source.Type))
			sourceStates = append(sourceStates, models.SourceBuildState{SourceKey: source.Key(), Error: "unsupported source type"})
			continue
		}

		tools, sourceWarnings, err := b.loadSource(ctx, loader, source)
		warnings = append(warnings, sourceWarnings...)
		if err != nil {
			b.logger.Warn("source load failed", "source", source.Key(), "error", err)
			warnings = append(warnings, fmt.Sprintf("%s: %v", source.Key(), err))
			sourceStates = append(sourceStates, models.SourceBuildState{SourceKey: source.Key(), Error: err.Error()})
			continue
		}
		sourceStates = append(sourceStates, models.SourceBuildState{SourceKey: source.Key(), ToolCount: len(tools)})

		for _, tool := range tools {
			entry := indexTool(workspaceID, buildID, tool)
			entries = append(entries, entry)
			key := entry.Namespace + "\x00" + entry.SourceKey
			if nsCounts[key] == nil {
				nsCounts[key] = &models.NamespaceSummary{
					WorkspaceID: workspaceID,
					BuildID:     buildID,
					Namespace:   entry.Namespace,
					SourceKey:   entry.SourceKey,
				}
			}
			nsCounts[key].ToolCount++
		}
	}

	for start := 0; start < len(entries); start += b.config.BatchSize {
		end := start + b.config.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := b.registry.PutEntries(ctx, entries[start:end]); err != nil {
			return nil, fmt.Errorf("put entries: %w", err)
		}
	}

	namespaces := make([]*models.NamespaceSummary, 0, len(nsCounts))
	for _, ns := range nsCounts {
		namespaces = append(namespaces, ns)
	}
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Namespace < namespaces[j].Namespace })
	for start := 0; start < len(namespaces); start += b.config.BatchSize {
		end := start + b.config.BatchSize
		if end > len(namespaces) {
			end = len(namespaces)
		}
		if err := b.registry.PutNamespaces(ctx, namespaces[start:end]); err != nil {
			return nil, fmt.Errorf("put namespaces: %w", err)
		}
	}

	previous := ""
	if prior, err := b.registry.GetRegistryState(ctx, workspaceID); err == nil {
		previous = prior.ReadyBuildID
	}

	state := &models.RegistryState{
		WorkspaceID:  workspaceID,
		Signature:    signature,
		ReadyBuildID: buildID,
		SourceStates: sourceStates,
		Warnings:     warnings,
		ToolCount:    len(entries),
	}
	if err := b.registry.CommitBuild(ctx, state); err != nil {
		return nil, fmt.Errorf("commit build: %w", err)
	}
	b.logger.Info("registry build committed", "workspace_id", workspaceID, "build_id", buildID, "tools", len(entries), "warnings", len(warnings))

	keep := []string{buildID}
	if previous != "" && previous != buildID {
		keep = append(keep, previous)
	}
	if len(keep) > b.config.KeepBuilds {
		keep = keep[:b.config.KeepBuilds]
	}
	if err := b.registry.PruneBuilds(ctx, workspaceID, keep); err != nil {
		b.logger.Warn("prune builds", "workspace_id", workspaceID, "error", err)
	}
	return state, nil
}

// indexTool computes the lookup index fields for one tool.
func indexTool(workspaceID, buildID string, tool *models.SerializedTool) *models.RegistryEntry {
	namespace := tool.Namespace
	if namespace == "" {
		namespace = firstSegment(tool.Path)
	}
	return &models.RegistryEntry{
		WorkspaceID:    workspaceID,
		BuildID:        buildID,
		Path:           tool.Path,
		PreferredPath:  tool.PreferredPath,
		Aliases:        Aliases(tool),
		Namespace:      namespace,
		NormalizedPath: NormalizePath(tool.Path),
		Description:    tool.Description,
		Approval:       tool.Approval,
		SourceKey:      tool.SourceKey,
		DisplayInput:   DeriveDisplayInput(tool),
		DisplayOutput:  tool.DisplayOutput,
		RequiredInput:  RequiredInput(tool),
		Tool:           tool,
	}
}

func firstSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
