// Package logging builds the process-wide slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkggate/pkggate/internal/config"
)

// levels maps config names to slog levels. The empty name is the default.
var levels = map[string]slog.Level{
	"":      slog.LevelInfo,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// handlers maps output format names to handler constructors.
var handlers = map[string]func(io.Writer, *slog.HandlerOptions) slog.Handler{
	"": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
		return slog.NewJSONHandler(w, opts)
	},
	"json": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
		return slog.NewJSONHandler(w, opts)
	},
	"text": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
		return slog.NewTextHandler(w, opts)
	},
}

// New builds a logger honoring the configured level and format. Unknown
// values are rejected instead of silently falling back to a default.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}
	build, ok := handlers[strings.ToLower(cfg.Format)]
	if !ok {
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	base := []slog.Attr{slog.String("component", "pkggate")}
	if header := strings.TrimSpace(cfg.CorrelationHeader); header != "" {
		base = append(base, slog.String("correlation_header", header))
	}

	handler := build(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler.WithAttrs(base)), nil
}
