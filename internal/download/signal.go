package download

import "time"

// signal is a reusable auto-reset wait handle. Set wakes at most one waiter; a Set with
// no waiter is remembered until the next Wait.
type signal struct {
	c chan struct{}
}

func newSignal() *signal {
	return &signal{c: make(chan struct{}, 1)}
}

// Set raises the signal without blocking
func (s *signal) Set() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is raised or timeout elapses. It reports whether it was raised.
func (s *signal) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.c:
		return true
	case <-timer.C:
		return false
	}
}

// waitEither blocks until a or b is raised or timeout elapses
func waitEither(timeout time.Duration, a, b *signal) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.c:
		return true
	case <-b.c:
		return true
	case <-timer.C:
		return false
	}
}
