package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Destructor releases one resource.
type Destructor func(ctx context.Context) error

// Stack holds destructors to be run in the reverse order they were pushed.
// It is safe for concurrent use.
type Stack struct {
	mu          sync.Mutex
	destructors []Destructor
}

// Push queues a destructor. Push right after the resource exists, never
// later.
func (s *Stack) Push(d Destructor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destructors = append(s.destructors, d)
}

// Len is the number of destructors still queued.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.destructors)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is emptied
// first, so a second Destroy does nothing.
func (s *Stack) Destroy(ctx context.Context) error {
	s.mu.Lock()
	ds := s.destructors
	s.destructors = nil
	s.mu.Unlock()

	var errs error
	for _, d := range slices.Backward(ds) {
		errs = errors.Join(errs, d(ctx))
	}
	return errs
}
