// Package log provides structured logging for VoidLux using zerolog.
//
// It wraps zerolog to give every component a scoped child logger
// (component name, node id, task id, term) without passing a logger
// instance through every constructor by hand.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level is a log verbosity threshold.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var global zerolog.Logger

func init() {
	global = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init initializes the global logger. Call once at process startup.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writer io.Writer = out
	if !cfg.JSONOutput {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	global = zerolog.New(writer).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch strings.ToLower(string(l)) {
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

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return global
}

// WithComponent returns a logger scoped to a named component (e.g.
// "gossip", "election", "dispatcher").
func WithComponent(name string) zerolog.Logger {
	return global.With().Str("component", name).Logger()
}

// WithNodeID returns a logger scoped to a node id.
func WithNodeID(logger zerolog.Logger, nodeID string) zerolog.Logger {
	return logger.With().Str("node_id", nodeID).Logger()
}

// WithTaskID returns a logger scoped to a task id.
func WithTaskID(logger zerolog.Logger, taskID string) zerolog.Logger {
	return logger.With().Str("task_id", taskID).Logger()
}

// WithTerm returns a logger scoped to a consensus/election term.
func WithTerm(logger zerolog.Logger, term uint64) zerolog.Logger {
	return logger.With().Uint64("term", term).Logger()
}
