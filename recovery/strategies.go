package recovery

import (
	"context"
	"fmt"
	"sync"
)

// StrictStrategy implements a fail-fast recovery strategy.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx context.Context, err error, location Location) Action {
	return ActionFail
}

// LenientStrategy keeps going after every error and remembers what it saw.
// Damaged input is the normal case for a sanitizer, so this is the default.
type LenientStrategy struct {
	mu     sync.Mutex
	Errors []error
	Events []Event
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{}
}

func (s *LenientStrategy) OnError(ctx context.Context, err error, location Location) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, fmt.Errorf("[%s] offset %d: %w", location.Component, location.ByteOffset, err))
	s.Events = append(s.Events, Event{Err: err, Location: location, Action: ActionFix})
	return ActionFix
}

// Drain returns the recorded events and resets the strategy.
func (s *LenientStrategy) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Events
	s.Events = nil
	s.Errors = nil
	return out
}
