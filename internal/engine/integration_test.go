package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/storage"
	"github.com/devblac/ledger-sink/internal/writer"
)

func TestPipelineReconcilesAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "sink.db"), storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	shutdown := NewShutdown()
	w := writer.New(store, writer.Options{Shutdown: shutdown, Logger: quietLogger()})
	p, err := New(ctx, store, w, nil, shutdown, Options{QueueSize: 100, WorkerPoll: 5 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	p.Start(ctx)

	auth := []chain.PermissionLevel{{Actor: "alice", Permission: "active"}}
	transfer := chain.Action{Account: "token", Name: "transfer", Authorization: auth, Data: []byte{1}}
	block := chain.BlockEvent{
		ID: "b50", Number: 50, Timestamp: time.Now().UTC(),
		Transactions: []chain.TransactionRef{{ID: "t1", Actions: []chain.Action{transfer}}},
	}

	// trace first: it must wait for the irreversible block
	p.AcceptedTransaction(chain.TransactionMeta{ID: "t1", BlockNum: 50})
	p.AppliedTransaction(chain.TransactionTrace{ID: "t1", BlockNum: 50, ActionTraces: []chain.ActionTrace{
		{Receiver: "token", GlobalSequence: 7, Action: transfer, InlineTraces: []chain.ActionTrace{
			{Receiver: "alice", Action: transfer},
		}},
	}})
	p.AcceptedBlock(block)
	p.IrreversibleBlock(block)

	require.Eventually(t, func() bool {
		acts, err := store.ListActions(ctx, "t1")
		return err == nil && len(acts) == 2
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()

	acts, err := store.ListActions(ctx, "t1")
	require.NoError(t, err)
	origins := map[string]int{}
	for _, a := range acts {
		origins[a.Origin]++
		var levels []chain.PermissionLevel
		require.NoError(t, json.Unmarshal([]byte(a.Authorization), &levels))
		assert.Equal(t, auth, levels)
	}
	assert.Equal(t, map[string]int{storage.OriginBlock: 1, storage.OriginTrace: 1}, origins)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Pending)
	assert.EqualValues(t, 1, counts.IrreversibleBlocks)
	assert.EqualValues(t, 1, counts.Transactions)
}

func TestWaitIdleLetsTracesCatchUpBeforeStop(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "sink.db"), storage.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	shutdown := NewShutdown()
	w := writer.New(store, writer.Options{Shutdown: shutdown, Logger: quietLogger()})
	p, err := New(ctx, store, w, nil, shutdown, Options{QueueSize: 100, WorkerPoll: 5 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	p.Start(ctx)

	const n = 20
	transfer := chain.Action{Account: "token", Name: "transfer", Data: []byte{1}}
	// every trace arrives before the block that makes it irreversible
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		p.AppliedTransaction(chain.TransactionTrace{ID: id, BlockNum: uint64(i), ActionTraces: []chain.ActionTrace{
			{Receiver: "token", GlobalSequence: uint64(i), Action: transfer},
		}})
	}
	for i := 1; i <= n; i++ {
		p.IrreversibleBlock(chain.BlockEvent{
			ID: fmt.Sprintf("b%d", i), Number: uint64(i), Timestamp: time.Now().UTC(),
			Transactions: []chain.TransactionRef{{ID: fmt.Sprintf("t%d", i), Actions: []chain.Action{transfer}}},
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, p.WaitIdle(waitCtx, 5*time.Millisecond))
	p.Stop()

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2*n, counts.Actions, "block and trace rows for every transaction")
	assert.EqualValues(t, n, counts.IrreversibleBlocks)
	assert.EqualValues(t, 0, counts.Pending)
}

func TestWaitIdleHonoursContext(t *testing.T) {
	p, err := New(context.Background(), fakePinger{}, &fakeWriter{}, nil, NewShutdown(), Options{Logger: quietLogger()})
	require.NoError(t, err)

	// never started, so the queued block stays put
	p.AcceptedBlock(chain.BlockEvent{ID: "b", Number: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIdle(ctx, time.Millisecond), context.DeadlineExceeded)
}
