package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agencyops/opsync/pkg/config"
	"github.com/agencyops/opsync/pkg/logger"
)

// App runs commands with one configuration.
type App struct {
	config *config.Config
	logger logger.Logger
	// slog feeds libraries that take a *slog.Logger.
	slog *slog.Logger
	out  io.Writer
}

// New returns an App that logs to stderr and prints summaries to out.
func New(cfg *config.Config, out io.Writer) *App {
	l, s := newLoggers(cfg.Log, os.Stderr)
	return &App{config: cfg, logger: l, slog: s, out: out}
}

func newLoggers(cfg config.LogConfig, w io.Writer) (logger.Logger, *slog.Logger) {
	level := slogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		h := slog.NewJSONHandler(w, opts)
		return logger.New(h), slog.New(h)
	case "console":
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w}).
			Level(zerologLevel(cfg.Level)).
			With().Timestamp().Logger()
		return logger.NewZerolog(zl), slog.New(slog.NewTextHandler(w, opts))
	default:
		h := slog.NewTextHandler(w, opts)
		return logger.New(h), slog.New(h)
	}
}

func slogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func zerologLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
