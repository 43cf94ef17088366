package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global zerolog logger.
// Outside production the console gets pretty output with timestamps; in
// production it gets JSON. When LOG_FILE is set, entries are also written to a
// size-rotated file.
func Setup(app config.App, cfg config.Log) io.Closer {
	var console io.Writer = os.Stdout
	if !app.IsProduction() {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if strings.TrimSpace(cfg.File) != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	zlog.Logger = zerolog.New(out).With().Timestamp().Str("app", "klear-escrow").Logger()
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return closer
}

// ParseLevel falls back to info for empty or unknown values.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
