// Package util contains small helpers shared across the codebase.
package util

import (
	"context"
	"io"
	"os"
	"time"

	"go.scholarhound.org/scholarhound/go/sklog"
)

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

// LogErr logs err if it's not nil. This is intended to be used for calls
// where generally a returned error is unlikely.
func LogErr(err error) {
	if err != nil {
		sklog.Errorf("Unexpected error: %s", err)
	}
}

// WithReadFile opens the given file for reading and runs the given function.
func WithReadFile(path string, fn func(f io.Reader) error) (err error) {
	var f *os.File
	f, err = os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()
	err = fn(f)
	return err
}

// RepeatCtx calls the provided function immediately and then in intervals
// defined by 'interval'. It stops when the passed-in context is canceled.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// MinInt returns the smaller of the two ints.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxInt64 returns the larger of the two int64s.
func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Truncate returns the given string clipped to at most n runes, with an
// ellipsis appended when clipping occurred.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// In returns true if the given string is in the given slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}
