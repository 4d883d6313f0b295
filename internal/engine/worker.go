package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/devblac/ledger-sink/internal/metrics"
	"github.com/devblac/ledger-sink/internal/queue"
)

// DefaultWorkerPoll bounds how long an idle worker waits before rechecking its queue.
const DefaultWorkerPoll = 250 * time.Millisecond

// SaturationFunc is called when a drained batch exceeds 75% of the soft capacity.
type SaturationFunc func(stream string, batch, softCap int)

// Worker drains one stream's queue and hands each event, in order, to handle.
type Worker[T any] struct {
	stream      string
	queue       *queue.Queue[T]
	handle      func(ctx context.Context, v T) error
	shutdown    *Shutdown
	poll        time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	onSaturated SaturationFunc
	busy        atomic.Bool
}

// NewWorker builds a worker for stream. poll bounds how long it idles before rechecking.
func NewWorker[T any](stream string, q *queue.Queue[T], handle func(ctx context.Context, v T) error, shutdown *Shutdown, poll time.Duration, logger *slog.Logger, m *metrics.Metrics) *Worker[T] {
	if poll <= 0 {
		poll = DefaultWorkerPoll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker[T]{
		stream:   stream,
		queue:    q,
		handle:   handle,
		shutdown: shutdown,
		poll:     poll,
		logger:   logger.With("module", "worker", "stream", stream),
		metrics:  m,
	}
}

// Run loops until shutdown is requested and the queue is empty. Everything
// queued before that point is handled.
func (w *Worker[T]) Run(ctx context.Context) {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()

	for {
		select {
		case <-w.queue.Notify():
		case <-w.shutdown.Done():
		case <-timer.C:
		}

		// busy is raised before the drain so a batch in hand is never reported idle
		w.busy.Store(true)
		batch := w.queue.DrainAll()
		w.metrics.QueueDepth(w.stream, len(batch))
		if len(batch) > 0 {
			if w.shutdown.Requested() {
				w.logger.Info("draining queue before shutdown", "events", len(batch))
			}
			w.checkSaturation(len(batch))
			for _, v := range batch {
				w.process(ctx, v)
			}
		}
		w.busy.Store(false)

		if w.shutdown.Requested() && w.queue.Len() == 0 {
			w.logger.Debug("worker stopped")
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.poll)
	}
}

// Busy reports whether the worker holds a drained batch it has not finished.
func (w *Worker[T]) Busy() bool {
	return w.busy.Load()
}

func (w *Worker[T]) checkSaturation(n int) {
	softCap := w.queue.SoftCap()
	if softCap <= 0 || n*4 <= softCap*3 {
		return
	}
	w.logger.Warn("queue saturated", "batch", n, "soft_cap", softCap)
	w.metrics.Saturated(w.stream)
	if w.onSaturated != nil {
		w.onSaturated(w.stream, n, softCap)
	}
}

// process handles one event. A panic drops the event and the worker moves on.
func (w *Worker[T]) process(ctx context.Context, v T) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("dropping event after handler panic", "panic", fmt.Sprint(r))
			w.metrics.EventError(w.stream)
		}
	}()

	if err := w.handle(ctx, v); err != nil {
		w.logger.Error("apply event", "error", err)
		w.metrics.EventError(w.stream)
		return
	}
	w.metrics.Processed(w.stream)
}
