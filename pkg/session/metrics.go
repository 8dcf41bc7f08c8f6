package session

import (
	"sync/atomic"
	"time"
)

// Event is a countable outcome of message processing or connection
// handling. Discards and violations are counted, never thrown.
type Event int

const (
	EventMessageApplied Event = iota
	EventDecodeError
	EventUnknownType
	EventInvariantViolation
	EventStaleUpdate
	EventDiscarded
	EventConnectionLost
	EventReconnectAttempt
	EventDirectiveSent
	EventDirectiveDropped
	numEvents
)

var eventNames = [numEvents]string{
	EventMessageApplied:     "message_applied",
	EventDecodeError:        "decode_error",
	EventUnknownType:        "unknown_type",
	EventInvariantViolation: "invariant_violation",
	EventStaleUpdate:        "stale_update",
	EventDiscarded:          "discarded",
	EventConnectionLost:     "connection_lost",
	EventReconnectAttempt:   "reconnect_attempt",
	EventDirectiveSent:      "directive_sent",
	EventDirectiveDropped:   "directive_dropped",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "unknown"
	}
	return eventNames[e]
}

// MetricsHook receives health counters. Implementations must be safe for
// concurrent use.
type MetricsHook interface {
	Inc(Event)
}

// Counters is the in-process MetricsHook.
type Counters struct {
	counts [numEvents]atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) Inc(e Event) {
	if e < 0 || e >= numEvents {
		return
	}
	c.counts[e].Add(1)
}

func (c *Counters) Get(e Event) uint64 {
	if e < 0 || e >= numEvents {
		return 0
	}
	return c.counts[e].Load()
}

type CountersSnapshot struct {
	Counts    map[string]uint64 `json:"counts"`
	Timestamp time.Time         `json:"timestamp"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	out := CountersSnapshot{Counts: make(map[string]uint64, numEvents), Timestamp: time.Now().UTC()}
	for e := Event(0); e < numEvents; e++ {
		out.Counts[e.String()] = c.counts[e].Load()
	}
	return out
}

// Reset clears all counters (for tests).
func (c *Counters) Reset() {
	for i := range c.counts {
		c.counts[i].Store(0)
	}
}
