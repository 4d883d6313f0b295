package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/ledger-sink/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (r *recorder[T]) handle(_ context.Context, v T) error {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
	return nil
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.seen...)
}

func runWorker[T any](w *Worker[T]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerDrainsEverythingBeforeStopping(t *testing.T) {
	q := queue.New[int](10_000)
	for i := 0; i < 5000; i++ {
		q.Push(i)
	}
	sd := NewShutdown()
	sd.Request()

	rec := &recorder[int]{}
	w := NewWorker("blocks", q, rec.handle, sd, 10*time.Millisecond, quietLogger(), nil)
	waitDone(t, runWorker(w))

	got := rec.values()
	require.Len(t, got, 5000)
	for i, v := range got {
		require.Equal(t, i, v, "fifo order")
	}
	assert.Zero(t, q.Len())
}

func TestWorkerProcessesConcurrentPushesInOrder(t *testing.T) {
	q := queue.New[int](100, queue.WithSleep(func(time.Duration) {}))
	sd := NewShutdown()
	rec := &recorder[int]{}
	w := NewWorker("traces", q, rec.handle, sd, 5*time.Millisecond, quietLogger(), nil)
	done := runWorker(w)

	for i := 0; i < 2000; i++ {
		q.Push(i)
	}
	sd.Request()
	waitDone(t, done)

	got := rec.values()
	require.Len(t, got, 2000)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestWorkerSurvivesPanicsAndErrors(t *testing.T) {
	q := queue.New[int](10)
	for i := 0; i < 4; i++ {
		q.Push(i)
	}
	sd := NewShutdown()
	sd.Request()

	var mu sync.Mutex
	var handled []int
	handle := func(_ context.Context, v int) error {
		switch v {
		case 1:
			panic("malformed event")
		case 2:
			return errors.New("sink write failed")
		}
		mu.Lock()
		handled = append(handled, v)
		mu.Unlock()
		return nil
	}

	w := NewWorker("irreversible", q, handle, sd, 10*time.Millisecond, quietLogger(), nil)
	waitDone(t, runWorker(w))

	assert.Equal(t, []int{0, 3}, handled)
}

func TestWorkerWarnsOnSaturation(t *testing.T) {
	q := queue.New[int](8)
	for i := 0; i < 7; i++ {
		q.Push(i)
	}
	sd := NewShutdown()
	sd.Request()

	var calls []int
	w := NewWorker("transactions", q, func(context.Context, int) error { return nil }, sd, 10*time.Millisecond, quietLogger(), nil)
	w.onSaturated = func(stream string, batch, softCap int) {
		assert.Equal(t, "transactions", stream)
		assert.Equal(t, 8, softCap)
		calls = append(calls, batch)
	}
	waitDone(t, runWorker(w))

	assert.Equal(t, []int{7}, calls)
}

func TestWorkerBelowThresholdDoesNotWarn(t *testing.T) {
	q := queue.New[int](8)
	for i := 0; i < 6; i++ {
		q.Push(i)
	}
	sd := NewShutdown()
	sd.Request()

	warned := false
	w := NewWorker("transactions", q, func(context.Context, int) error { return nil }, sd, 10*time.Millisecond, quietLogger(), nil)
	w.onSaturated = func(string, int, int) { warned = true }
	waitDone(t, runWorker(w))

	assert.False(t, warned, "6 of 8 is exactly 75%")
}

func TestIdleWorkerStopsOnShutdown(t *testing.T) {
	q := queue.New[int](10)
	sd := NewShutdown()
	w := NewWorker("blocks", q, func(context.Context, int) error { return nil }, sd, time.Hour, quietLogger(), nil)
	done := runWorker(w)

	time.Sleep(10 * time.Millisecond)
	sd.Request()
	waitDone(t, done)
}
