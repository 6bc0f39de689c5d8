package version

// Set via -ldflags "-X github.com/you/zkleis-bot/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
