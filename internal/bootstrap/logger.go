package bootstrap

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/octoporty/octoporty/internal/config"
	"github.com/octoporty/octoporty/pkg/liboctoporty/logring"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newBaseHandler picks the local output format: JSON when requested or
// when not attached to a terminal, colored text otherwise.
func newBaseHandler(cfg *config.Config) slog.Handler {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.LogJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

// SetupLogger installs the process-wide logger.
func SetupLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(newBaseHandler(cfg))
	slog.SetDefault(logger)
	return logger
}

// SetupGatewayLogger additionally captures every record into a ring for
// paging and fanout over the tunnel.
func SetupGatewayLogger(cfg *config.Config) (*slog.Logger, *logring.Ring, *logring.Handler) {
	ring := logring.New(cfg.GatewayLogRingSize)
	capture := logring.NewHandler(newBaseHandler(cfg), ring)
	logger := slog.New(capture)
	slog.SetDefault(logger)
	return logger, ring, capture
}
