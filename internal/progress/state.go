// Package progress emits live progress snapshots of a running bulk
// operation to an attached event sink.
package progress

import (
	"sync"
	"time"
)

// EventKind names the three progress event types.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one message on the progress channel.
type Event struct {
	ID   int64
	Kind EventKind
	Data interface{}
}

// Sink delivers events to a client. Implementations must be safe for use
// by the reporter goroutine and the request goroutine, one at a time.
type Sink interface {
	Send(ev Event) error
}

// State tracks the time of the last emission and the next event id for one
// request.
type State struct {
	mu          sync.Mutex
	startTime   time.Time
	nextEventID int64
}

// NewState returns a state whose clock starts at now and whose first event
// id is zero.
func NewState(now time.Time) *State {
	return &State{startTime: now}
}

// StartTime returns the time of the last emission.
func (s *State) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// PeekEventID returns the id the next event will get.
func (s *State) PeekEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEventID
}

// NextEventID reserves an event id and resets the clock to now.
func (s *State) NextEventID(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextEventID
	s.nextEventID++
	s.startTime = now
	return id
}
