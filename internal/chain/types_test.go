package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWalkDepthFirstSkipsNotificationSubtrees(t *testing.T) {
	traces := []ActionTrace{
		{
			Receiver: "token",
			Action:   Action{Account: "token", Name: "transfer"},
			InlineTraces: []ActionTrace{
				{Receiver: "alice", Action: Action{Account: "token", Name: "transfer"},
					InlineTraces: []ActionTrace{{Receiver: "x", Action: Action{Account: "x", Name: "never"}}}},
				{Receiver: "token", Action: Action{Account: "token", Name: "log"}},
			},
		},
		{Receiver: "game", Action: Action{Account: "game", Name: "play"}},
	}

	var names []string
	Walk(traces, func(at ActionTrace) bool {
		if at.IsNotification() {
			return false
		}
		names = append(names, at.Action.Name)
		return true
	})

	assert.Equal(t, []string{"transfer", "log", "play"}, names)
}

func TestTransactionRefIsOnBlock(t *testing.T) {
	assert.True(t, TransactionRef{Actions: []Action{{Account: "eosio", Name: OnBlockAction}}}.IsOnBlock())
	assert.False(t, TransactionRef{Actions: []Action{{Name: OnBlockAction}, {Name: "transfer"}}}.IsOnBlock())
	assert.False(t, TransactionRef{Deferred: true}.IsOnBlock())
}

func TestTraceFailed(t *testing.T) {
	assert.False(t, TransactionTrace{}.Failed())
	assert.True(t, TransactionTrace{Except: "assertion failure"}.Failed())
}
