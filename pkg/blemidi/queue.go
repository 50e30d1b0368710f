package blemidi

import (
	"time"

	"github.com/srg/blemidi/internal/ringchan"
)

// ByteQueue is the single-producer/single-consumer handoff between the stack
// goroutine (Push) and the poll loop (Pop).
type ByteQueue struct {
	rc          *ringchan.RingChannel[byte]
	pushTimeout time.Duration
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Len     int
	Cap     int
	Pushed  int64
	Popped  int64
	Dropped int64
}

// NewByteQueue creates a queue holding at most capacity bytes. Push waits up
// to pushTimeout for space; a negative pushTimeout waits until Close.
func NewByteQueue(capacity int, pushTimeout time.Duration) *ByteQueue {
	if pushTimeout < 0 {
		pushTimeout = 0 // ringchan: non-positive means no deadline
	}
	return &ByteQueue{
		rc:          ringchan.New[byte](capacity),
		pushTimeout: pushTimeout,
	}
}

// Push appends b, waiting for the consumer to make room if the queue is full.
// It returns false if the byte was dropped.
func (q *ByteQueue) Push(b byte) bool {
	return q.rc.SendTimeout(b, q.pushTimeout)
}

// Pop returns the oldest byte, or false immediately if the queue is empty.
func (q *ByteQueue) Pop() (byte, bool) {
	return q.rc.TryReceive()
}

func (q *ByteQueue) Len() int {
	return q.rc.Len()
}

func (q *ByteQueue) Cap() int {
	return q.rc.Cap()
}

// Close rejects further pushes and releases a producer blocked in Push.
// Bytes already queued can still be popped.
func (q *ByteQueue) Close() {
	q.rc.Close()
}

// Stats returns the current counters.
func (q *ByteQueue) Stats() QueueStats {
	m := q.rc.GetMetrics()
	return QueueStats{
		Len:     q.rc.Len(),
		Cap:     q.rc.Cap(),
		Pushed:  m.Written,
		Popped:  m.Processed,
		Dropped: m.Dropped,
	}
}
