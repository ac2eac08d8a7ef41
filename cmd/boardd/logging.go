package main

import (
	"io"
	"os"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// newLogger writes text to a terminal and JSON everywhere else.
func newLogger(w io.Writer, cfg *config.Config) *log.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		Prefix:          "boardd",
		Level:           cfg.Level(),
	}
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, opts)
}
