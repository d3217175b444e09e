package daemon

import (
	"sync"
	"time"
)

const maxEvents = 50

// Event records a notable power or supervisor state change for status output.
type Event struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"` // started, blackout, power_restored, shutdown, standby, poll_failures, bus_recovery, bus_recovery_failed, watchdog_fatal, flash
	Message   string `json:"message"`
}

// EventLog is a bounded ring of recent events, oldest dropped first.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func NewEventLog() *EventLog {
	return &EventLog{events: make([]Event, 0, maxEvents)}
}

// Add appends an event, evicting the oldest when full.
func (l *EventLog) Add(typ, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= maxEvents {
		l.events = l.events[1:]
	}
	l.events = append(l.events, Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      typ,
		Message:   message,
	})
}

// Snapshot returns a copy of the recorded events, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
