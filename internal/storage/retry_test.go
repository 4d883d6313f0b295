package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier(transient func(error) bool) retrier {
	o := buildOptions([]Option{WithRetry(3, time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))})
	return newRetrier(o, transient)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	r := testRetrier(nil)
	calls := 0
	err := r.do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("exec: %w", driver.ErrBadConn)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	r := testRetrier(nil)
	calls := 0
	boom := errors.New("constraint violated")
	err := r.do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	r := testRetrier(nil)
	calls := 0
	err := r.do(context.Background(), "op", func(context.Context) error {
		calls++
		return io.ErrUnexpectedEOF
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, 4, calls)
}

func TestPostgresTransient(t *testing.T) {
	assert.True(t, postgresTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, postgresTransient(&pgconn.PgError{Code: "08006"}))
	assert.False(t, postgresTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, postgresTransient(errors.New("plain")))
}
