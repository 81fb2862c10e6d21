package testutil

import (
	"context"
	"testing"
	"time"
)

// Constants for timing out operations, usable for creating contexts that
// timeout or in require.Eventually.
const (
	WaitShort    = 10 * time.Second
	WaitMedium   = 15 * time.Second
	WaitLong     = 25 * time.Second
	IntervalFast = 25 * time.Millisecond
	IntervalSlow = time.Second
)

// Context returns a context that's canceled when the test ends or when the
// given timeout elapses, whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
