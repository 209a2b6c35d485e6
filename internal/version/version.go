package version

import "fmt"

// Set at build time via -ldflags "-X github.com/saworbit/batchkeeper/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns the full version string for the version subcommand.
func String() string {
	return fmt.Sprintf("batchkeeper %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
