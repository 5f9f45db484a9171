package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// UnknownToolError reports a failed resolution with nearest-neighbor
// suggestions and a discovery hint. Its message is user-visible.
type UnknownToolError struct {
	Path        string
	Suggestions []string
}

func (e *UnknownToolError) Error() string {
	msg := fmt.Sprintf("Unknown tool: %s.", e.Path)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" Did you mean: %s?", strings.Join(e.Suggestions, ", "))
	}
	namespace := firstSegment(e.Path)
	msg += fmt.Sprintf(" Try discover(%q) to list available tools.", namespace)
	return msg
}

// Resolver looks tool paths up in a workspace's ready build.
type Resolver struct {
	registry storage.RegistryStore
	builder  *Builder
}

// NewResolver creates a Resolver. The builder is used to ensure the registry
// is ready before a lookup.
func NewResolver(registry storage.RegistryStore, builder *Builder) *Resolver {
	return &Resolver{registry: registry, builder: builder}
}

// Resolve finds the entry for a requested path. Lookup order: exact path,
// aliases, normalized path. Ambiguous fuzzy matches prefer an entry whose
// preferred form equals the request, then the shortest canonical path, then
// lexicographic order. A miss returns UnknownToolError.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, path string) (*models.RegistryEntry, error) {
	state, err := r.builder.EnsureReady(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if state.ReadyBuildID == "" {
		return nil, storage.ErrRegistryNotReady
	}
	buildID := state.ReadyBuildID

	if entry, err := r.registry.GetEntry(ctx, workspaceID, buildID, path); err == nil {
		return entry, nil
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	entries, err := r.registry.ListEntries(ctx, workspaceID, buildID)
	if err != nil {
		return nil, err
	}

	var matches []*models.RegistryEntry
	normalized := NormalizePath(path)
	for _, entry := range entries {
		if entry.NormalizedPath == normalized {
			matches = append(matches, entry)
			continue
		}
		for _, alias := range entry.Aliases {
			if alias == path {
				matches = append(matches, entry)
				break
			}
		}
	}
	if len(matches) > 0 {
		sort.Slice(matches, func(i, j int) bool {
			iPref := matches[i].PreferredPath == path
			jPref := matches[j].PreferredPath == path
			if iPref != jPref {
				return iPref
			}
			if len(matches[i].Path) != len(matches[j].Path) {
				return len(matches[i].Path) < len(matches[j].Path)
			}
			return matches[i].Path < matches[j].Path
		})
		return matches[0], nil
	}

	return nil, &UnknownToolError{Path: path, Suggestions: suggest(path, entries, 3)}
}

// ListTools returns the ready build's entries for a workspace.
func (r *Resolver) ListTools(ctx context.Context, workspaceID string) ([]*models.RegistryEntry, *models.RegistryState, error) {
	state, err := r.builder.EnsureReady(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	if state.ReadyBuildID == "" {
		return nil, nil, storage.ErrRegistryNotReady
	}
	entries, err := r.registry.ListEntries(ctx, workspaceID, state.ReadyBuildID)
	if err != nil {
		return nil, nil, err
	}
	return entries, state, nil
}

// ListNamespaces returns the ready build's namespace summaries.
func (r *Resolver) ListNamespaces(ctx context.Context, workspaceID string) ([]*models.NamespaceSummary, error) {
	state, err := r.builder.EnsureReady(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if state.ReadyBuildID == "" {
		return nil, storage.ErrRegistryNotReady
	}
	return r.registry.ListNamespaces(ctx, workspaceID, state.ReadyBuildID)
}

// maxSuggestionDistance bounds the edit distance a candidate may have from
// the requested path before it is discarded.
const maxSuggestionDistance = 6

// suggest ranks entries by edit distance to the request, with a bonus for a
// shared namespace, and returns up to limit canonical paths.
func suggest(path string, entries []*models.RegistryEntry, limit int) []string {
	namespace := firstSegment(path)
	type candidate struct {
		path  string
		score int
	}
	var candidates []candidate
	for _, entry := range entries {
		d := levenshtein(path, entry.Path, maxSuggestionDistance)
		if d < 0 {
			continue
		}
		score := d * 2
		if entry.Namespace == namespace {
			score -= 3
		}
		candidates = append(candidates, candidate{path: entry.Path, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.path
	}
	return out
}

// levenshtein computes the edit distance between a and b, returning -1 once
// the distance exceeds max.
func levenshtein(a, b string, max int) int {
	if abs(len(a)-len(b)) > max {
		return -1
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > max {
			return -1
		}
		prev, curr = curr, prev
	}
	if prev[len(b)] > max {
		return -1
	}
	return prev[len(b)]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
