package worker

import (
	"context"
	"log/slog"
)

func debugLog(msg string, args ...any) {
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug(msg, args...)
	}
}
