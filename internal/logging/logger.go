package logging

import (
	"log/slog"
	"os"
)

// Setup installs the global slog logger: JSON to stdout, plus any extra
// handlers (the PG handler in production) fanned out through MultiHandler.
func Setup(extra ...slog.Handler) {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	if len(extra) > 0 {
		handler = NewMultiHandler(append([]slog.Handler{handler}, extra...)...)
	}
	slog.SetDefault(slog.New(handler))
}
