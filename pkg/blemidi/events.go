package blemidi

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blemidi/pkg/stack"
)

// EventKind classifies a lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventParamsUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventParamsUpdated:
		return "params-updated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one peer lifecycle transition, kept for observability.
type Event struct {
	Kind EventKind
	Conn stack.ConnInfo
	At   time.Time
	Err  error // set on EventParamsUpdated when the request failed
}

// EventLog keeps the most recent lifecycle events, overwriting the oldest
// when full. Safe for concurrent producers.
type EventLog struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	overwritten atomic.Int64
}

// NewEventLog creates a log holding at least size events.
func NewEventLog(size uint32) *EventLog {
	if size == 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{buffer: mpmc.NewOverlappedRingBuffer[Event](size)}
}

// Record appends ev.
func (l *EventLog) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	overwrites, err := l.buffer.EnqueueM(ev)
	if err != nil {
		return
	}
	l.overwritten.Add(int64(overwrites))
}

// Drain removes and returns every buffered event, oldest first.
func (l *EventLog) Drain() []Event {
	var out []Event
	for !l.buffer.IsEmpty() {
		ev, err := l.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Overwritten returns how many events were lost to overflow.
func (l *EventLog) Overwritten() int64 {
	return l.overwritten.Load()
}
