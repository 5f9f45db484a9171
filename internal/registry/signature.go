// Package registry builds and serves the per-workspace tool catalog. Builds
// are claimed, written in batches under a build id, and promoted atomically;
// readers only ever see committed builds.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/execplane/execplane/pkg/models"
)

// signatureVersion prefixes every registry signature. Bumping it invalidates
// all workspaces at once, forcing a global rebuild.
const signatureVersion = "toolreg_v6|"

// Signature derives the registry signature from the enabled sources. Two
// source sets with identical ids and updatedAt stamps produce the same
// signature, so unchanged workspaces never rebuild.
func Signature(sources []*models.ToolSource) string {
	parts := make([]string, 0, len(sources))
	for _, s := range sources {
		if !s.Enabled {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:1", s.ID, s.UpdatedAt.UnixMilli()))
	}
	sort.Strings(parts)
	return signatureVersion + strings.Join(parts, ",")
}
