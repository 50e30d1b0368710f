// Package groutine starts goroutines carrying a pprof "goroutine" label, so
// stack-callback, advertising and PTY loops are identifiable in profiles and
// goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

const labelKey = "goroutine"

// Go runs fn on a new goroutine labelled name. A nil parent means
// context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(labelKey, name), fn)
}

// Name returns the label set by Go, or "" outside such a goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := pprof.Label(ctx, labelKey)
	return name
}
