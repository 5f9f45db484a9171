package config

import "fmt"

// Build metadata, stamped via -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// VersionString formats the build metadata for the version command.
func VersionString() string {
	return fmt.Sprintf("execplane %s (commit %s, built %s)", Version, Commit, BuildDate)
}
