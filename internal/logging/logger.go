// Package logging defines the engine's leveled logging contract.
//
// The Logger interface is deliberately small (Error, Warn, Info,
// Debug, Fatal as printf-style methods) so callers can adapt slog,
// zap or anything else behind it. Fatalf never exits the process: it
// logs and invokes the configured FatalHandler, which the DB uses to
// latch a background error and refuse further writes.
//
// Messages carry a bracketed component namespace, e.g.
// "[wal] rotated to wal 7".
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// Level filters which messages a DefaultLogger emits.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG"}

func (l Level) String() string {
	if l < LevelError || l > LevelDebug {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Logger is implemented by anything the engine can log through.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf reports an unrecoverable condition. It must not exit.
	Fatalf(format string, args ...any)
}

// FatalHandler receives the formatted message of a Fatalf call. It
// must be safe for concurrent use and must not log fatally itself.
type FatalHandler func(msg string)

// Component namespaces prefixed to log messages.
const (
	NSDB       = "[db] "
	NSWAL      = "[wal] "
	NSFlush    = "[flush] "
	NSCompact  = "[compact] "
	NSManifest = "[manifest] "
	NSRecovery = "[recovery] "
	NSTxn      = "[txn] "
)

// DefaultLogger prints timestamped lines through the standard log
// package. The level is fixed at construction.
type DefaultLogger struct {
	out   *log.Logger
	level Level
	fatal atomic.Pointer[FatalHandler]
}

// NewDefaultLogger returns a stderr logger at the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger returns a logger writing to w at the given level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		out:   log.New(w, "", log.LstdFlags),
		level: level,
	}
}

// SetFatalHandler installs the handler Fatalf invokes.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatal.Store(&h)
}

// Level returns the configured level.
func (l *DefaultLogger) Level() Level { return l.level }

func (l *DefaultLogger) emit(at Level, format string, args []any) {
	if l.level >= at {
		l.out.Output(3, at.String()+" "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Errorf(format string, args ...any) { l.emit(LevelError, format, args) }

func (l *DefaultLogger) Warnf(format string, args ...any) { l.emit(LevelWarn, format, args) }

func (l *DefaultLogger) Infof(format string, args ...any) { l.emit(LevelInfo, format, args) }

func (l *DefaultLogger) Debugf(format string, args ...any) { l.emit(LevelDebug, format, args) }

// Fatalf bypasses level filtering, logs the message, and runs the
// fatal handler if one is installed.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.out.Output(2, "FATAL "+msg)
	if h := l.fatal.Load(); h != nil {
		(*h)(msg)
	}
}

type discard struct{}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}
func (discard) Fatalf(string, ...any) {}

// Discard drops every message. Tests use it to keep output quiet.
var Discard Logger = discard{}

// IsNil reports whether l is nil or a typed-nil pointer; calling a
// method on the latter would panic.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault substitutes a WARN-level stderr logger when l is unusable,
// so the DB's logger is never nil after Open.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
