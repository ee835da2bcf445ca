// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the fire-and-forget leveled logger the pipeline
// consumes through the Logger interface. It mirrors the seam saferwall/pe
// exposes from its own internal log package: a minimal Logger, a Helper
// that adds printf-style convenience and template fallback, and a level
// filter so a run can be made quiet without touching call sites.
package log

import (
	"fmt"
	"io"
	golog "log"
	"os"
	"strings"
)

// Level is a logging severity.
type Level uint8

// Recognised levels, low to high.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal collaborator the core consumes. Implementations
// must be safe for the orchestrator's single-threaded use and degrade
// gracefully: a bad template is not a fatal error, it is logged as-is.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(level Level, keyvals ...interface{}) error

// Log implements Logger.
func (f LoggerFunc) Log(level Level, keyvals ...interface{}) error { return f(level, keyvals...) }

// stdLogger writes lines to an io.Writer through the standard library's
// log.Logger, the same default saferwall/pe/file.go falls back to when the
// caller supplies no custom logger.
type stdLogger struct {
	log *golog.Logger
}

// NewStdLogger builds a Logger backed by the standard library's log.Logger.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{log: golog.New(w, "", golog.LstdFlags)}
}

// Log implements Logger.
func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	msg := "[" + level.String() + "]"
	for i := 0; i < len(keyvals); i += 2 {
		msg += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	l.log.Println(msg)
	return nil
}

// filter wraps a Logger and drops records below a minimum level.
type filter struct {
	Logger
	level Level
}

// FilterOption configures a filter.
type FilterOption func(*filter)

// FilterLevel sets the minimum level a filtered logger will emit.
func FilterLevel(level Level) FilterOption {
	return func(f *filter) { f.level = level }
}

// NewFilter returns a Logger that silently drops records below the
// configured level.
func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &filter{Logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Log implements Logger, dropping records under the configured level.
func (f *filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	return f.Logger.Log(level, keyvals...)
}

// Helper adds printf-style sugar over a Logger. Formatting failures
// degrade to the raw template rather than panicking, so a bad verb in a
// log call never takes down a protection run.
type Helper struct {
	logger Logger
}

// NewHelper wraps a Logger with printf-style convenience methods.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, template string, args ...interface{}) {
	msg := safeSprintf(template, args...)
	_ = h.logger.Log(level, "msg", msg)
}

// safeSprintf never panics: a malformed template is returned verbatim
// alongside its arguments instead of surfacing a formatting error.
func safeSprintf(template string, args ...interface{}) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprint(append([]interface{}{template}, args...)...)
		}
	}()
	if len(args) == 0 {
		return template
	}
	out = fmt.Sprintf(template, args...)
	// fmt reports a verb/argument mismatch inline ("%!d(string=x)") rather
	// than failing; treat that as a malformed template too.
	if strings.Contains(out, "%!") && !strings.Contains(template, "%!") {
		return fmt.Sprint(append([]interface{}{template}, args...)...)
	}
	return out
}

// Debugf logs at debug level.
func (h *Helper) Debugf(template string, args ...interface{}) { h.log(LevelDebug, template, args...) }

// Infof logs at info level.
func (h *Helper) Infof(template string, args ...interface{}) { h.log(LevelInfo, template, args...) }

// Warnf logs at warn level.
func (h *Helper) Warnf(template string, args ...interface{}) { h.log(LevelWarn, template, args...) }

// Errorf logs at error level.
func (h *Helper) Errorf(template string, args ...interface{}) { h.log(LevelError, template, args...) }

// Default returns a Helper over a standard-output logger filtered to
// warnings and above, the same default file.go installs when the caller
// passes no Options.Logger.
func Default() *Helper {
	return NewHelper(NewFilter(NewStdLogger(os.Stdout), FilterLevel(LevelWarn)))
}
