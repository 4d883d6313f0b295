package source

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/ledger-sink/internal/chain"
)

type recorder struct {
	accepted     []chain.BlockEvent
	irreversible []chain.BlockEvent
	transactions []chain.TransactionMeta
	traces       []chain.TransactionTrace
}

func (r *recorder) AcceptedBlock(b chain.BlockEvent)     { r.accepted = append(r.accepted, b) }
func (r *recorder) IrreversibleBlock(b chain.BlockEvent) { r.irreversible = append(r.irreversible, b) }
func (r *recorder) AcceptedTransaction(tm chain.TransactionMeta) {
	r.transactions = append(r.transactions, tm)
}
func (r *recorder) AppliedTransaction(tt chain.TransactionTrace) { r.traces = append(r.traces, tt) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEnvelopes() []Envelope {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	block := chain.BlockEvent{
		ID: "b50", Number: 50, PreviousID: "b49", Timestamp: at, Producer: "prod",
		Transactions: []chain.TransactionRef{{ID: "t1", Actions: []chain.Action{{Account: "token", Name: "transfer", Data: []byte{1, 2}}}}},
	}
	trace := chain.TransactionTrace{
		ID: "t1", BlockNum: 50, BlockTime: at, Elapsed: 3 * time.Millisecond,
		ActionTraces: []chain.ActionTrace{{
			Receiver: "token", GlobalSequence: 9,
			Action:       chain.Action{Account: "token", Name: "transfer", Data: []byte{1, 2}},
			InlineTraces: []chain.ActionTrace{{Receiver: "alice", Action: chain.Action{Account: "token", Name: "transfer"}}},
		}},
	}
	return []Envelope{
		{Stream: StreamBlocks, Block: &block},
		{Stream: StreamTransactions, Transaction: &chain.TransactionMeta{ID: "t1", BlockNum: 50, Expiration: at}},
		{Stream: StreamTraces, Trace: &trace},
		{Stream: StreamIrreversible, Block: &block},
	}
}

func TestDispatch(t *testing.T) {
	rec := &recorder{}
	for _, env := range sampleEnvelopes() {
		require.NoError(t, Dispatch(rec, env))
	}
	assert.Len(t, rec.accepted, 1)
	assert.Len(t, rec.irreversible, 1)
	assert.Len(t, rec.transactions, 1)
	assert.Len(t, rec.traces, 1)

	assert.ErrorIs(t, Dispatch(rec, Envelope{Stream: "votes"}), ErrUnknownStream)
	assert.ErrorIs(t, Dispatch(rec, Envelope{Stream: StreamTraces}), ErrEmptyEvent)
}

func TestReplayRoundTrip(t *testing.T) {
	for _, encoding := range []string{EncodingJSON, EncodingMsgpack} {
		t.Run(encoding, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, encoding)
			require.NoError(t, err)
			for _, env := range sampleEnvelopes() {
				require.NoError(t, w.Write(env))
			}

			rec := &recorder{}
			n, err := Replay(context.Background(), &buf, encoding, rec, discard())
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			require.Len(t, rec.accepted, 1)
			assert.Equal(t, uint64(50), rec.accepted[0].Number)
			assert.True(t, rec.accepted[0].Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
			assert.Equal(t, []byte{1, 2}, rec.accepted[0].Transactions[0].Actions[0].Data)

			require.Len(t, rec.traces, 1)
			tt := rec.traces[0]
			assert.Equal(t, 3*time.Millisecond, tt.Elapsed)
			require.Len(t, tt.ActionTraces, 1)
			assert.Equal(t, uint64(9), tt.ActionTraces[0].GlobalSequence)
			require.Len(t, tt.ActionTraces[0].InlineTraces, 1)
			assert.Equal(t, "alice", tt.ActionTraces[0].InlineTraces[0].Receiver)
		})
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"stream":"transactions","transaction":{"id":"t1","block_num":3}}`,
		``,
		`not json`,
		`{"stream":"votes"}`,
		`{"stream":"transactions","transaction":{"id":"t2","block_num":4}}`,
	}, "\n")

	rec := &recorder{}
	n, err := Replay(context.Background(), strings.NewReader(input), EncodingJSON, rec, discard())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rec.transactions, 2)
	assert.Equal(t, "t2", rec.transactions[1].ID)
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Replay(ctx, strings.NewReader(`{"stream":"votes"}`), EncodingJSON, &recorder{}, discard())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHandleRejectsUnknownEncoding(t *testing.T) {
	_, err := NewHandle("xml")
	assert.Error(t, err)
}

func TestNATSMessageHandler(t *testing.T) {
	rec := &recorder{}
	src, err := NewNATS(nil, rec, Subjects{}, EncodingJSON, discard(), nil)
	require.NoError(t, err)

	block := `{"id":"b7","block_num":7,"timestamp":"2024-01-01T00:00:00Z","transactions":[{"id":"t1","actions":[{"account":"token","name":"transfer","data":"AQI="}]}]}`
	src.msgHandler(StreamIrreversible)(&nats.Msg{Subject: "ledger.blocks.irreversible", Data: []byte(block)})
	src.msgHandler(StreamTraces)(&nats.Msg{Subject: "ledger.transactions.applied", Data: []byte(`{"id":"t1","block_num":7,"except":"assertion failure"}`)})
	src.msgHandler(StreamBlocks)(&nats.Msg{Subject: "ledger.blocks.accepted", Data: []byte(`{broken`)})

	require.Len(t, rec.irreversible, 1)
	assert.Equal(t, "b7", rec.irreversible[0].ID)
	assert.Equal(t, []byte{1, 2}, rec.irreversible[0].Transactions[0].Actions[0].Data)
	require.Len(t, rec.traces, 1)
	assert.True(t, rec.traces[0].Failed())
	assert.Empty(t, rec.accepted)
}

func TestNATSPingWithoutConnection(t *testing.T) {
	src, err := NewNATS(nil, &recorder{}, Subjects{}, EncodingMsgpack, discard(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, src.Ping(context.Background()), ErrNotConnected)
	assert.NoError(t, src.Close())
}
