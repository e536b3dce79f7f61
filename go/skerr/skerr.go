// Package skerr provides errors that are annotated with the call site at
// which they were created or wrapped.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return skerr.Wrap(err)
//	}
//	return skerr.Fmt("not enough foo (%d) for %s", count, name)
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrame identifies one frame of the call stack at the point an error
// was created or wrapped.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithContext is an error that carries the chain of call sites through
// which it has been wrapped along with any context messages.
type ErrorWithContext struct {
	// Wrapped is the original error being annotated; never nil.
	Wrapped error
	// CallStack accumulates one frame per Wrap/Wrapf/Fmt call, innermost
	// first.
	CallStack []StackFrame
	// Message is the context added by Wrapf or Fmt; may be empty for Wrap.
	Message string
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Wrapped.Error())
	if len(e.CallStack) > 0 {
		frames := make([]string, 0, len(e.CallStack))
		for _, f := range e.CallStack {
			frames = append(frames, f.String())
		}
		sb.WriteString(" At ")
		sb.WriteString(strings.Join(frames, " "))
	}
	return sb.String()
}

// Unwrap implements the errors.Unwrap contract.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

func callerFrame(skip int) StackFrame {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return StackFrame{File: "???", Line: 0}
	}
	// Keep the trailing two path segments; full paths are noise.
	parts := strings.Split(file, "/")
	if len(parts) > 2 {
		file = strings.Join(parts[len(parts)-2:], "/")
	}
	return StackFrame{File: file, Line: line}
}

// Wrap adds the current call site to err. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if ewc, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   ewc.Wrapped,
			CallStack: append([]StackFrame{callerFrame(1)}, ewc.CallStack...),
			Message:   ewc.Message,
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: []StackFrame{callerFrame(1)},
	}
}

// Wrapf adds the current call site and a formatted context message to err.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if ewc, ok := err.(*ErrorWithContext); ok {
		if ewc.Message != "" {
			msg = msg + ": " + ewc.Message
		}
		return &ErrorWithContext{
			Wrapped:   ewc.Wrapped,
			CallStack: append([]StackFrame{callerFrame(1)}, ewc.CallStack...),
			Message:   msg,
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: []StackFrame{callerFrame(1)},
		Message:   msg,
	}
}

// Fmt creates a new annotated error from a format string.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: []StackFrame{callerFrame(1)},
	}
}

// Unwrap returns the innermost error if err was created by this package,
// otherwise returns err itself.
func Unwrap(err error) error {
	if ewc, ok := err.(*ErrorWithContext); ok {
		return ewc.Wrapped
	}
	return err
}
