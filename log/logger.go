// Package log provides a category aware logger on top of logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and adds a category to each entry.
// Categories name the subsystem and operation emitting the entry,
// e.g. "Bridge:execute" or "Sidecar:recvLoop", and can be filtered
// with a regular expression.
type Logger struct {
	*logrus.Logger

	mu             sync.Mutex
	lastLogCall    int64
	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// New returns a logger using the given logrus logger. When debugOverride
// is true, debug entries are emitted even if the underlying level would
// suppress them. A nil categoryFilter matches every category.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

// NewNullLogger returns a logger that discards everything. Useful in
// tests that don't assert on log output.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l, false, nil)
}

// NewFromEnv builds a logger configured from WEBPILOT_LOG_LEVEL and
// WEBPILOT_LOG_CATEGORY_FILTER. Unset or invalid values fall back to
// the info level with no filtering.
func NewFromEnv() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	var debugOverride bool
	if lvl, ok := os.LookupEnv("WEBPILOT_LOG_LEVEL"); ok {
		if pl, err := logrus.ParseLevel(lvl); err == nil {
			l.SetLevel(pl)
			debugOverride = pl > logrus.InfoLevel
		}
	}
	var filter *regexp.Regexp
	if pattern, ok := os.LookupEnv("WEBPILOT_LOG_CATEGORY_FILTER"); ok && pattern != "" {
		if re, err := regexp.Compile(pattern); err == nil {
			filter = re
		}
	}

	return New(l, debugOverride, filter)
}

// Tracef logs a trace entry under the given category.
func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

// Debugf logs a debug entry under the given category.
func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

// Infof logs an info entry under the given category.
func (l *Logger) Infof(category string, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

// Warnf logs a warning entry under the given category.
func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

// Errorf logs an error entry under the given category.
func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

// Logf logs an entry at the given level under the given category,
// annotated with the elapsed time since the previous entry and the
// calling goroutine's id.
func (l *Logger) Logf(level logrus.Level, category string, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}

	now := time.Now().UnixMilli()
	elapsed := now - l.lastLogCall
	if l.lastLogCall == 0 {
		elapsed = 0
	}
	defer func() { l.lastLogCall = now }()

	entry := l.WithFields(logrus.Fields{
		"category":  category,
		"elapsed":   fmt.Sprintf("%d ms", elapsed),
		"goroutine": goRoutineID(),
	})
	if l.GetLevel() < level && l.debugOverride {
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// DebugMode returns true if the logger level is set to debug or higher.
func (l *Logger) DebugMode() bool {
	return l.debugOverride || l.Logger.GetLevel() >= logrus.DebugLevel
}

// SetLevel sets the logger level from a level string.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("cannot parse log level %q: %w", level, err)
	}
	l.Logger.SetLevel(pl)
	return nil
}

// SetCategoryFilter compiles and installs a category filter pattern.
// An empty pattern removes the filter.
func (l *Logger) SetCategoryFilter(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pattern == "" {
		l.categoryFilter = nil
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("cannot compile category filter %q: %w", pattern, err)
	}
	l.categoryFilter = re
	return nil
}

func goRoutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.Atoi(idField)
	if err != nil {
		return -1
	}
	return id
}
