// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the operator-facing structured logger for
// nodevisord.  It is separate from the log stream shown to observers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gdamore/nodevisor/config"
)

// Logger wraps slog.Logger.  It satisfies nodevisor.Logger, so it can be
// handed directly to the supervisor and the sinks.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from configuration.  The format is JSON unless
// "text" is asked for, and every record carries the service name and
// version.
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWriter(cfg, version, output(cfg.Output))
}

// NewWriter is like New, but writes to w regardless of cfg.Output.
func NewWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "nodevisord"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func output(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// parseLevel converts a level name to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
//
//	mqttLogger := logger.With("component", "mqtt")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is used before configuration has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}, "dev")
}
