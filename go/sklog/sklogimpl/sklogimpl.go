// Package sklogimpl contains the interface that must be implemented to be
// used as a logger in sklog.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is implemented by anything that can receive log lines.
type Logger interface {
	// Log at the given severity. If format is the empty string the args are
	// formatted with fmt.Sprint, otherwise with fmt.Sprintf. The depth is
	// the number of stack frames to skip when reporting the call site.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the implementation used by sklog. It must be called
// before any logging happens.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log passes a log line to the currently configured Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	(*logger.Load().(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the currently configured Logger.
func Flush() {
	(*logger.Load().(*Logger)).Flush()
}
