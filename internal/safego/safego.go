// Package safego launches background goroutines that log a panic instead of taking the
// process down with it.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine named for logging. A panic in fn is recovered and logged at
// error level with its stack; the goroutine then exits. Use it for long-lived background work
// such as the metrics listener and the rate limiter sweep.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
