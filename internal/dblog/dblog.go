// Package dblog provides the diagnostic logger shared by the write
// pipeline, the reactive query engine, and the sync engine. It is
// intentionally small: a level-gated wrapper around the standard
// library logger with optional rotation to a file.
package dblog

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/untoldecay/ledgerstore/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level controls how much diagnostic output a Logger emits.
type Level int

const (
	LevelSilent Level = iota
	LevelWarn
	LevelDebug
)

// Logger is a minimal structured-enough logger: callers pass a
// component tag and a printf-style message.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

var (
	initOnce sync.Once
	shared   *Logger
)

// Default returns the process-wide logger, initializing it from
// config on first use (log.path, log.max-size-mb, log.max-backups).
func Default() *Logger {
	initOnce.Do(func() {
		shared = New(LevelWarn, nil)
		path := config.GetString("log.path")
		if path == "" {
			return
		}
		maxSize := config.GetInt("log.max-size-mb")
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := config.GetInt("log.max-backups")
		if maxBackups <= 0 {
			maxBackups = 3
		}
		shared = New(LevelDebug, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	})
	return shared
}

// New builds a Logger writing to w (stderr if nil) at the given level.
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{level: level, out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// Debugf logs SQL-statement-level tracing; silent unless LevelDebug.
func (l *Logger) Debugf(component, format string, args ...interface{}) {
	l.logAt(LevelDebug, component, format, args...)
}

// Warnf logs recoverable problems: a bad subscriber callback, a
// partial sync failure, a config read falling back to defaults.
func (l *Logger) Warnf(component, format string, args ...interface{}) {
	l.logAt(LevelWarn, component, format, args...)
}

func (l *Logger) logAt(at Level, component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level < at {
		return
	}
	l.out.Printf("["+component+"] "+format, args...)
}
