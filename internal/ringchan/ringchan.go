// Package ringchan provides a bounded, channel-backed FIFO used to hand values
// from stack goroutines to a polling consumer.
package ringchan

import (
	"sync/atomic"
	"time"
)

// RingChannel is a bounded channel-like buffer.
//
// SendTimeout waits for space up to a deadline and then drops the value;
// TryReceive polls without blocking.
//
// # Example
//
//	rc := ringchan.New[byte](64)
//
//	// BLE side: wait up to a second for the poll loop to make room.
//	if !rc.SendTimeout(b, time.Second) {
//	    // dropped
//	}
//
//	// Poll side: never blocks.
//	if v, ok := rc.TryReceive(); ok {
//	    handle(v)
//	}
type RingChannel[T any] struct {
	ch      chan T
	done    chan struct{}
	closed  atomic.Bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// SendTimeout inserts an item, waiting up to timeout for free space.
// A non-positive timeout waits until space frees up or the channel is closed.
// Returns false if the value was dropped.
func (rc *RingChannel[T]) SendTimeout(v T, timeout time.Duration) bool {
	if rc.closed.Load() {
		rc.metrics.addDropped(1)
		return false
	}

	// fast path, no timer allocation
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	case <-expired:
	case <-rc.done:
	}
	rc.metrics.addDropped(1)
	return false
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v = <-rc.ch:
		rc.metrics.addProcessed(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close stops accepting values and wakes producers blocked in SendTimeout.
// Buffered values stay readable. Close is idempotent.
func (rc *RingChannel[T]) Close() {
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.done)
	}
}

// GetMetrics returns a snapshot of current metrics values.
//
// The Processed counter is only incremented by TryReceive.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed: atomic.LoadInt64(&rc.metrics.Processed),
		Written:   atomic.LoadInt64(&rc.metrics.Written),
		Dropped:   atomic.LoadInt64(&rc.metrics.Dropped),
	}
}

// Metrics provides lock-free metrics tracking for RingChannel.
type Metrics struct {
	Processed int64
	Written   int64
	Dropped   int64 // timed out in SendTimeout or sent after Close
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addDropped(n int) {
	atomic.AddInt64(&m.Dropped, int64(n))
}
