package version

// Set via -ldflags "-X github.com/you/chat-director/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
