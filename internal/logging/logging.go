// Package logging builds the indexer's slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and destination. An empty File writes to
// stdout; otherwise the file is rotated by size.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger and a closer for its output.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(opts.Level))); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch opts.Format {
	case "", "json":
		h = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		h = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("log format %q: must be json or text", opts.Format)
	}
	return slog.New(h).With("service", "options-indexer"), out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
