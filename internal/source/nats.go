package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/algorand/go-codec/codec"
	"github.com/nats-io/nats.go"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/metrics"
)

const (
	connectionTries = 5
	drainTimeout    = 10 * time.Second
)

// ErrNotConnected is returned by Ping when the connection is down.
var ErrNotConnected = errors.New("nats not connected")

// Subjects maps each stream to the NATS subject carrying it.
type Subjects struct {
	Blocks       string
	Irreversible string
	Transactions string
	Traces       string
}

// Connect dials NATS, retrying a few times before giving up.
func Connect(ctx context.Context, url string, logger *slog.Logger, opts ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err == nil {
		return nc, nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		if i >= connectionTries {
			return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
		}
		logger.Info("Waiting before connecting to NATS", slog.String("url", url))
	}

	logger.Info("Connected to NATS", slog.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NATS subscribes to one subject per stream and forwards decoded events to a
// Handler. Undecodable messages are logged and dropped.
type NATS struct {
	conn     *nats.Conn
	handle   codec.Handle
	handler  Handler
	subjects Subjects
	logger   *slog.Logger
	metrics  *metrics.Metrics
	subs     []*nats.Subscription
}

func NewNATS(conn *nats.Conn, handler Handler, subjects Subjects, encoding string, logger *slog.Logger, m *metrics.Metrics) (*NATS, error) {
	h, err := NewHandle(encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		conn:     conn,
		handle:   h,
		handler:  handler,
		subjects: subjects,
		logger:   logger.With("module", "source"),
		metrics:  m,
	}, nil
}

// Start subscribes to every configured subject.
func (n *NATS) Start() error {
	routes := []struct {
		subject string
		stream  string
	}{
		{n.subjects.Blocks, StreamBlocks},
		{n.subjects.Irreversible, StreamIrreversible},
		{n.subjects.Transactions, StreamTransactions},
		{n.subjects.Traces, StreamTraces},
	}
	for _, r := range routes {
		if r.subject == "" {
			continue
		}
		sub, err := n.conn.Subscribe(r.subject, n.msgHandler(r.stream))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", r.subject, err)
		}
		n.subs = append(n.subs, sub)
		n.logger.Info("subscribed", "subject", r.subject, "stream", r.stream)
	}
	return nil
}

func (n *NATS) msgHandler(stream string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := n.deliver(stream, msg.Data); err != nil {
			n.metrics.EventError(stream)
			n.logger.Warn("dropping malformed event", "stream", stream, "subject", msg.Subject, "error", err)
		}
	}
}

func (n *NATS) deliver(stream string, raw []byte) error {
	env := Envelope{Stream: stream}
	switch stream {
	case StreamBlocks, StreamIrreversible:
		var b chain.BlockEvent
		if err := decode(n.handle, raw, &b); err != nil {
			return fmt.Errorf("decode block: %w", err)
		}
		env.Block = &b
	case StreamTransactions:
		var tm chain.TransactionMeta
		if err := decode(n.handle, raw, &tm); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		env.Transaction = &tm
	case StreamTraces:
		var tt chain.TransactionTrace
		if err := decode(n.handle, raw, &tt); err != nil {
			return fmt.Errorf("decode trace: %w", err)
		}
		env.Trace = &tt
	}
	return Dispatch(n.handler, env)
}

// Ping reports whether the connection is up and the server answers a flush.
func (n *NATS) Ping(ctx context.Context) error {
	if n.conn == nil || !n.conn.IsConnected() {
		return ErrNotConnected
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains the subscriptions and waits until every message already
// received has been handed to the Handler.
func (n *NATS) Close() error {
	n.subs = nil
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}

	deadline := time.Now().Add(drainTimeout)
	for !n.conn.IsClosed() {
		if time.Now().After(deadline) {
			n.conn.Close()
			return errors.New("drain nats: timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
