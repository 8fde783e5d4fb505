package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

// Options configures the handler built by NewHandler.
type Options struct {
	// Level applies to the terminal and file outputs. Extra handlers
	// filter on their own.
	Level slog.Level
	// Terminal receives human readable output. Defaults to os.Stderr.
	Terminal io.Writer
	// File, when set, receives one JSON object per record at Level.
	File io.Writer
	// Extra handlers are fanned out to alongside the built-in ones.
	Extra []slog.Handler
}

// NewHandler fans records out to a colored terminal handler, an optional
// JSON file handler and any extra handlers.
func NewHandler(opts Options) slog.Handler {
	w := opts.Terminal
	if w == nil {
		w = os.Stderr
	}

	handlers := []slog.Handler{
		charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(opts.Level),
			ReportTimestamp: true,
		}),
	}

	if opts.File != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.File, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: true,
		}))
	}

	for _, h := range opts.Extra {
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	return slogmulti.Fanout(handlers...)
}

// Install makes h the logger for ctx and the slog default.
func Install(ctx context.Context, h slog.Handler) context.Context {
	logger := clog.New(h)
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger)
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
