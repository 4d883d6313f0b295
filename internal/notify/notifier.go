package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const backlog = 16

// TokenBucket is a simple rate limiter.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a token bucket with capacity and refill rate.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow consumes one token if available, refilling based on elapsed time.
func (b *TokenBucket) Allow(now time.Time) bool {
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Notifier delivers saturation notices in the background so workers never
// wait on HTTP. Notices over the rate limit or beyond the backlog are dropped.
type Notifier struct {
	sender  Sender
	logger  *slog.Logger
	now     func() time.Time
	notices chan Notice

	mu     sync.Mutex
	bucket *TokenBucket
}

// NewNotifier allows at most perMinute notices per minute (burst perMinute).
func NewNotifier(sender Sender, perMinute int, logger *slog.Logger) *Notifier {
	if perMinute <= 0 {
		perMinute = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:  sender,
		logger:  logger.With("module", "notify"),
		now:     time.Now,
		notices: make(chan Notice, backlog),
		bucket:  NewTokenBucket(float64(perMinute), float64(perMinute)/60),
	}
}

// Saturated queues a notice for stream. It never blocks.
func (n *Notifier) Saturated(stream string, batch, softCap int) {
	now := n.now()
	n.mu.Lock()
	ok := n.bucket.Allow(now)
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case n.notices <- Notice{Stream: stream, Batch: batch, SoftCap: softCap, At: now.UTC()}:
	default:
		n.logger.Debug("notify backlog full, dropping notice", "stream", stream)
	}
}

// Run sends queued notices until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case notice := <-n.notices:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := n.sender.Send(sendCtx, notice); err != nil {
				n.logger.Warn("send saturation notice", "stream", notice.Stream, "error", err)
			}
			cancel()
		}
	}
}
