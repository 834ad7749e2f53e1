package backpressure

import "context"

// Fixed is a counting-semaphore controller: at most Concurrency sagas run
// at once, and admission never closes.
type Fixed struct {
	sema chan struct{}
}

// NewFixed creates a fixed controller with n slots.
func NewFixed(n int) *Fixed {
	return &Fixed{sema: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or the context is done.
func (f *Fixed) Acquire(ctx context.Context) error {
	select {
	case f.sema <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. The outcome is ignored by the fixed strategy.
func (f *Fixed) Release(bool) {
	select {
	case <-f.sema:
	default:
	}
}

// InFlight reports how many slots are currently held.
func (f *Fixed) InFlight() int {
	return len(f.sema)
}
