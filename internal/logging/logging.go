// Package logging builds the component loggers. All loggers share one
// writer: stderr, or a size-rotated file when a path is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log writer. An empty File logs to stderr.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Output is where component loggers write.
type Output struct {
	w      io.Writer
	closer io.Closer
}

// Open creates the shared writer.
func Open(opts Options) (*Output, error) {
	if opts.File == "" {
		return &Output{w: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return &Output{w: lj, closer: lj}, nil
}

// Discard returns an Output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// New returns a logger for one component. The prefix is bracketed, so
// New("daemon") logs lines starting with "[daemon] ".
func (o *Output) New(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
