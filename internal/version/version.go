package version

import "fmt"

// Set through -ldflags "-X btcwatch/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("btcwatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
