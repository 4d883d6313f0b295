package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retrier re-runs a single statement while its error is transient. A lost
// connection is replaced by the pool on the next attempt.
type retrier struct {
	logger     *slog.Logger
	maxRetries uint64
	interval   time.Duration
	transient  func(error) bool
}

func newRetrier(o options, driverTransient func(error) bool) retrier {
	return retrier{
		logger:     o.logger,
		maxRetries: o.maxRetries,
		interval:   o.retryEvery,
		transient: func(err error) bool {
			return isTransient(err) || (driverTransient != nil && driverTransient(err))
		},
	}
}

func (r retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.interval
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, r.maxRetries), ctx)

	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("sink statement failed, retrying", "op", op, "error", err, "backoff", next)
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// isTransient covers connection-level failures common to every driver.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
