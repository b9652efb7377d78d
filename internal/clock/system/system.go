// Package system adapts the wall clock to crawler.Clock and provides a
// stepping clock for deterministic timing.
package system

import (
	"sync"
	"time"
)

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a wall Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stepped returns start on the first call and advances by step on every
// subsequent call.
type Stepped struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepped creates a Stepped clock.
func NewStepped(start time.Time, step time.Duration) *Stepped {
	return &Stepped{next: start.UTC(), step: step}
}

// Now returns the current tick and advances the clock.
func (s *Stepped) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
