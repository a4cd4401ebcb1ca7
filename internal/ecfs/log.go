package ecfs

import (
	"log/slog"
	"os"
)

// logger is the package-wide default, overridable with SetLogger so callers
// embedding this package in a larger service can route pipeline logs
// wherever they already send their own (matches the logger-injection shape
// bobbydeveaux-starbucks-mugs' watcher/agent packages use for log/slog).
var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLogger overrides the logger used by every pipeline stage.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}
