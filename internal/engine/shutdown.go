package engine

import (
	"sync"
	"time"
)

// Shutdown is a process-wide stop flag. Requesting it closes a channel, which
// wakes every worker and reconciliation wait at once.
type Shutdown struct {
	once sync.Once
	done chan struct{}
}

// NewShutdown returns a coordinator that has not been requested.
func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Request sets the flag. Calling it more than once is a no-op.
func (s *Shutdown) Request() {
	s.once.Do(func() { close(s.done) })
}

// Requested reports whether Request has been called.
func (s *Shutdown) Requested() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once shutdown is requested.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}

// Sleep waits for d and reports true, or returns false as soon as shutdown is requested.
func (s *Shutdown) Sleep(d time.Duration) bool {
	if s.Requested() {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}
