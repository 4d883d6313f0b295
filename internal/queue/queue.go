package queue

import (
	"sync"
	"time"
)

// Default backpressure: the first delay, its growth per push while the queue
// keeps growing, and its ceiling.
const (
	DefaultThrottleBase = 100 * time.Millisecond
	DefaultThrottleStep = 100 * time.Millisecond
	DefaultThrottleMax  = 2 * time.Second
)

// Queue is an unbounded FIFO with a soft capacity. Pushing onto a queue that is
// over capacity delays the producer instead of rejecting the value.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}

	softCap int
	base    time.Duration
	step    time.Duration
	max     time.Duration
	sleep   func(time.Duration)

	throttling bool
	delay      time.Duration
	lastLen    int

	pushes    uint64
	throttled uint64
}

// Option configures a Queue.
type Option func(*config)

type config struct {
	base, step, max time.Duration
	sleep           func(time.Duration)
}

// WithThrottle sets the base delay, the per-growth increment, and the ceiling.
func WithThrottle(base, step, max time.Duration) Option {
	return func(c *config) {
		if base > 0 {
			c.base = base
		}
		if step >= 0 {
			c.step = step
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithSleep replaces time.Sleep for the backpressure delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *config) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New builds a queue with the given soft capacity.
func New[T any](softCap int, opts ...Option) *Queue[T] {
	c := config{
		base:  DefaultThrottleBase,
		step:  DefaultThrottleStep,
		max:   DefaultThrottleMax,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.max < c.base {
		c.max = c.base
	}
	if softCap < 1 {
		softCap = 1
	}
	return &Queue[T]{
		notify:  make(chan struct{}, 1),
		softCap: softCap,
		base:    c.base,
		step:    c.step,
		max:     c.max,
		sleep:   c.sleep,
	}
}

// Push appends v to the tail, first sleeping when the queue is over its soft
// capacity. It returns the delay that was applied.
func (q *Queue[T]) Push(v T) time.Duration {
	q.mu.Lock()
	delay := q.nextDelay(len(q.items))
	q.mu.Unlock()

	if delay > 0 {
		q.signal()
		q.sleep(delay)
	}

	q.mu.Lock()
	q.items = append(q.items, v)
	q.pushes++
	if delay > 0 {
		q.throttled++
	}
	q.mu.Unlock()

	q.signal()
	return delay
}

// nextDelay must be called with mu held.
func (q *Queue[T]) nextDelay(length int) time.Duration {
	if length <= q.softCap {
		q.throttling = false
		q.lastLen = length
		return 0
	}
	switch {
	case !q.throttling:
		q.throttling = true
		q.delay = q.base
	case length > q.lastLen:
		q.delay += q.step
		if q.delay > q.max {
			q.delay = q.max
		}
	default:
		q.delay -= q.step
		if q.delay < q.base {
			q.delay = q.base
		}
	}
	q.lastLen = length
	return q.delay
}

// DrainAll detaches the whole content and leaves the queue empty.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SoftCap returns the configured soft capacity.
func (q *Queue[T]) SoftCap() int {
	return q.softCap
}

// Notify fires after pushes. Wakeups coalesce: one pending signal at most.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Stats reports the total pushes and how many of them were delayed.
func (q *Queue[T]) Stats() (pushes, throttled uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushes, q.throttled
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
