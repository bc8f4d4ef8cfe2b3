// Package logging configures the process-wide structured logger and
// provides the panic-recovery helper used at every goroutine boundary
// (reader task, session task, event publisher).
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" (default, machine-readable) or "console" (human
	// readable, colorised; no TTY check is made).
	Format string
	// Dir, when non-empty, adds a rotated file sink alongside stdout.
	Dir string
	// RetentionDays bounds how long rotated files are kept.
	RetentionDays int
}

// New builds a zerolog.Logger per Options. JSON is the default wire
// format; console format is meant for local development.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.Dir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename: opts.Dir + "/bonproxy-server.log",
			MaxSize:  100, // MB
			MaxAge:   retentionDays(opts.RetentionDays),
			Compress: true,
		})
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()
}

func retentionDays(d int) int {
	if d <= 0 {
		return 7
	}
	return d
}

// LogError logs err at error level with a component tag.
func LogError(logger zerolog.Logger, component string, err error, msg string) {
	logger.Error().Str("component", component).Err(err).Msg(msg)
}

// LogErrorWithStack is LogError plus a captured stack trace, for failures
// severe enough to warrant one (device errors, internal invariant
// violations).
func LogErrorWithStack(logger zerolog.Logger, component string, err error, msg string) {
	logger.Error().
		Str("component", component).
		Err(err).
		Str("stack", string(debug.Stack())).
		Msg(msg)
}

// RecoverPanic is deferred at the top of every long-lived goroutine (shared
// tuner reader, session loop, event publisher). It converts a panic into a
// logged error instead of crashing the process, per the no-catch-all-at-
// API-boundaries / panic-to-error-at-task-boundaries design: the caller
// still decides how the goroutine's owner observes the failure (closing a
// channel, marking a status field) — this helper only prevents the panic
// itself from propagating.
func RecoverPanic(logger zerolog.Logger, taskName string, onPanic func(err error)) {
	if r := recover(); r != nil {
		err := fmt.Errorf("panic in %s: %v", taskName, r)
		logger.Error().
			Str("task", taskName).
			Str("stack", string(debug.Stack())).
			Msg(err.Error())
		if onPanic != nil {
			onPanic(err)
		}
	}
}
