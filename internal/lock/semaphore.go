package lock

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a single-slot FIFO queue. Waiters are served in arrival order.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore creates a binary semaphore.
func NewSemaphore() *Semaphore {
	return &Semaphore{w: semaphore.NewWeighted(1)}
}

// Acquire blocks until the slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// Release frees the slot for the next waiter.
func (s *Semaphore) Release() {
	s.w.Release(1)
}

// Do runs fn while holding the slot.
func (s *Semaphore) Do(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}
