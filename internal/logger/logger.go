package logger

import (
	"io"
	"os"

	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. out is used when no log file is configured;
// nil means stdout. Every line passes through a RedactWriter.
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stdout
	}
	if cfg.File.Path != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   true,
		}
	}

	var w io.Writer = NewRedactWriter(out)
	if cfg.Format == "console" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		cw.NoColor = cfg.File.Path != ""
		w = cw
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
