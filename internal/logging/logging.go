// Package logging provides the process-wide structured logger used by
// every Flasharr component.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls the global logger's behavior.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	JSONOutput bool   // false uses zerolog's human-readable console writer
	Output     io.Writer
}

var (
	base      zerolog.Logger
	initOnce  sync.Once
	didInit   bool
	initGuard sync.Mutex
)

// Init configures the global logger. Safe to call once at process
// startup; subsequent calls are no-ops.
func Init(cfg Config) {
	initOnce.Do(func() {
		initGuard.Lock()
		didInit = true
		initGuard.Unlock()
		lvl, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			lvl = zerolog.InfoLevel
		}

		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if !cfg.JSONOutput {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		}

		base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	})
}

// For returns a child logger tagged with the given component name.
// Components call this once at construction and hold the result.
func For(component string) zerolog.Logger {
	initGuard.Lock()
	started := didInit
	initGuard.Unlock()
	if !started {
		// Init was never called (e.g. in a unit test); fall back to a
		// sane default rather than silently dropping every log line.
		Init(Config{Level: "info"})
	}
	return base.With().Str("component", component).Logger()
}

// WithTask returns a logger scoped to a single task ID.
func WithTask(l zerolog.Logger, taskID string) zerolog.Logger {
	return l.With().Str("task_id", taskID).Logger()
}
