package version

import "fmt"

// Build metadata, overridden via -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String renders the one-line form printed by the version command.
func String() string {
	return fmt.Sprintf("oracle-index %s (commit %s, built %s)", Version, Commit, BuildDate)
}
