package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/filter"
	"github.com/devblac/ledger-sink/internal/metrics"
	"github.com/devblac/ledger-sink/internal/queue"
	"github.com/devblac/ledger-sink/internal/writer"
)

// Stream names, used as metric labels and in logs.
const (
	StreamBlocks       = "blocks"
	StreamIrreversible = "irreversible"
	StreamTransactions = "transactions"
	StreamTraces       = "traces"
)

// DefaultQueueSize is the soft capacity of each stream queue.
const DefaultQueueSize = 5000

// DefaultIdlePoll is how often WaitIdle rechecks the queues.
const DefaultIdlePoll = 20 * time.Millisecond

// ErrSinkUnavailable is returned by New when the sink does not answer a ping.
var ErrSinkUnavailable = errors.New("sink unavailable")

// Writer applies drained events to the sink.
type Writer interface {
	ApplyBlock(ctx context.Context, b chain.BlockEvent) error
	ApplyIrreversible(ctx context.Context, b chain.BlockEvent) error
	ApplyTransaction(ctx context.Context, tm chain.TransactionMeta) error
	ApplyTrace(ctx context.Context, tt chain.TransactionTrace) writer.Outcome
}

// Pinger verifies the sink is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the queues and workers.
type Options struct {
	QueueSize    int
	ThrottleBase time.Duration
	ThrottleStep time.Duration
	ThrottleMax  time.Duration
	WorkerPoll   time.Duration
	OnSaturated  SaturationFunc
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type runner interface {
	Run(ctx context.Context)
	Busy() bool
}

// Pipeline is the callback surface of the ledger node. Each callback filters
// the event and queues it for the stream's worker; nothing else runs on the
// caller's goroutine.
type Pipeline struct {
	filter   *filter.Filter
	shutdown *Shutdown
	logger   *slog.Logger
	metrics  *metrics.Metrics

	blocks       *queue.Queue[chain.BlockEvent]
	irreversible *queue.Queue[chain.BlockEvent]
	transactions *queue.Queue[chain.TransactionMeta]
	traces       *queue.Queue[chain.TransactionTrace]

	workers []runner
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New builds the pipeline. It fails when the sink does not answer a ping.
func New(ctx context.Context, sink Pinger, w Writer, f *filter.Filter, shutdown *Shutdown, opts Options) (*Pipeline, error) {
	if err := sink.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	if f == nil {
		f = filter.New(filter.Options{})
	}
	if shutdown == nil {
		shutdown = NewShutdown()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qopts := []queue.Option{}
	if opts.ThrottleBase > 0 || opts.ThrottleStep > 0 || opts.ThrottleMax > 0 {
		qopts = append(qopts, queue.WithThrottle(opts.ThrottleBase, opts.ThrottleStep, opts.ThrottleMax))
	}

	p := &Pipeline{
		filter:       f,
		shutdown:     shutdown,
		logger:       logger.With("module", "pipeline"),
		metrics:      opts.Metrics,
		blocks:       queue.New[chain.BlockEvent](opts.QueueSize, qopts...),
		irreversible: queue.New[chain.BlockEvent](opts.QueueSize, qopts...),
		transactions: queue.New[chain.TransactionMeta](opts.QueueSize, qopts...),
		traces:       queue.New[chain.TransactionTrace](opts.QueueSize, qopts...),
	}

	traceHandler := func(ctx context.Context, tt chain.TransactionTrace) error {
		w.ApplyTrace(ctx, tt)
		return nil
	}

	workers := []runner{
		newStreamWorker(StreamBlocks, p.blocks, w.ApplyBlock, shutdown, logger, opts),
		newStreamWorker(StreamIrreversible, p.irreversible, w.ApplyIrreversible, shutdown, logger, opts),
		newStreamWorker(StreamTransactions, p.transactions, w.ApplyTransaction, shutdown, logger, opts),
		newStreamWorker(StreamTraces, p.traces, traceHandler, shutdown, logger, opts),
	}
	p.workers = workers
	return p, nil
}

func newStreamWorker[T any](stream string, q *queue.Queue[T], handle func(context.Context, T) error, shutdown *Shutdown, logger *slog.Logger, opts Options) *Worker[T] {
	w := NewWorker(stream, q, handle, shutdown, opts.WorkerPoll, logger, opts.Metrics)
	w.onSaturated = opts.OnSaturated
	return w
}

// Start launches one worker per stream. Sink statements issued while draining
// are not cancelled by ctx.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx = context.WithoutCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w runner) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.logger.Info("pipeline started", "streams", len(p.workers))
}

// Stop requests shutdown and waits for every worker to drain its queue.
func (p *Pipeline) Stop() {
	p.shutdown.Request()
	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// WaitIdle blocks until every queue is empty and no worker is handling a
// batch, or ctx is done. A trace waiting for its irreversible block keeps the
// pipeline busy.
func (p *Pipeline) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultIdlePoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if p.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// idle checks queue depths before workers: a worker raises busy before it
// drains, so an event is always seen in one or the other.
func (p *Pipeline) idle() bool {
	for _, n := range p.Depths() {
		if n > 0 {
			return false
		}
	}
	for _, w := range p.workers {
		if w.Busy() {
			return false
		}
	}
	return true
}

// Shutdown exposes the coordinator shared with the writer.
func (p *Pipeline) Shutdown() *Shutdown {
	return p.shutdown
}

// Depths reports the current length of every stream queue.
func (p *Pipeline) Depths() map[string]int {
	return map[string]int{
		StreamBlocks:       p.blocks.Len(),
		StreamIrreversible: p.irreversible.Len(),
		StreamTransactions: p.transactions.Len(),
		StreamTraces:       p.traces.Len(),
	}
}

// AcceptedBlock queues a newly accepted, still reversible block.
func (p *Pipeline) AcceptedBlock(b chain.BlockEvent) {
	p.metrics.Received(StreamBlocks)
	if !p.filter.KeepBlock(b) {
		p.metrics.Filtered(StreamBlocks)
		return
	}
	p.throttled(StreamBlocks, p.blocks.Push(b))
}

// IrreversibleBlock queues a block that can no longer be forked out.
func (p *Pipeline) IrreversibleBlock(b chain.BlockEvent) {
	p.metrics.Received(StreamIrreversible)
	if !p.filter.KeepBlock(b) {
		p.metrics.Filtered(StreamIrreversible)
		return
	}
	p.throttled(StreamIrreversible, p.irreversible.Push(b))
}

// AcceptedTransaction queues a transaction seen before its trace.
func (p *Pipeline) AcceptedTransaction(tm chain.TransactionMeta) {
	p.metrics.Received(StreamTransactions)
	if !p.filter.KeepTransaction(tm) {
		p.metrics.Filtered(StreamTransactions)
		return
	}
	p.throttled(StreamTransactions, p.transactions.Push(tm))
}

// AppliedTransaction queues an execution trace for reconciliation.
func (p *Pipeline) AppliedTransaction(tt chain.TransactionTrace) {
	p.metrics.Received(StreamTraces)
	if !p.filter.KeepTrace(tt) {
		p.metrics.Filtered(StreamTraces)
		return
	}
	p.throttled(StreamTraces, p.traces.Push(tt))
}

func (p *Pipeline) throttled(stream string, delay time.Duration) {
	if delay > 0 {
		p.metrics.Throttled(stream)
	}
}
