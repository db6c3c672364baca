package device

import (
	"errors"
	"fmt"
	"sync"
)

type release struct {
	name string
	fn   func() error
}

// Stack records acquired resources and releases them in reverse order.
type Stack struct {
	mu      sync.Mutex
	entries []release
}

// Push records a resource and the function that releases it.
func (s *Stack) Push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, release{name: name, fn: fn})
}

// Len returns the number of resources still held.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Unwind releases every resource, newest first. All releases run even when
// some fail; the failures are returned joined.
func (s *Stack) Unwind() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s: %w", entries[i].name, err))
		}
	}
	return errors.Join(errs...)
}
