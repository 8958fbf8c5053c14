// Package lifecycle holds process-wide readiness and shutdown state read by /health.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	startedAt    atomic.Int64 // unix nanos; 0 until MarkStarted
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkStarted records the process start time.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

// Uptime returns the time since MarkStarted, or 0 if it was never called.
func Uptime(now time.Time) time.Duration {
	ns := startedAt.Load()
	if ns == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ns))
}

// IsReady reports whether readyDelay has elapsed since start. A non-positive
// delay is always ready.
func IsReady(now time.Time, readyDelay time.Duration) bool {
	if readyDelay <= 0 {
		return true
	}
	return startedAt.Load() != 0 && Uptime(now) >= readyDelay
}
