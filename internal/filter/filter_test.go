package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devblac/ledger-sink/internal/chain"
)

func trace(blockNum uint64, accounts ...string) chain.TransactionTrace {
	tt := chain.TransactionTrace{ID: "t", BlockNum: blockNum}
	for _, a := range accounts {
		tt.ActionTraces = append(tt.ActionTraces, chain.ActionTrace{
			Receiver: a,
			Action:   chain.Action{Account: a, Name: "transfer"},
		})
	}
	return tt
}

func TestKeepTrace(t *testing.T) {
	f := New(Options{DenyAccounts: []string{"spam", " storm "}, StartBlock: 10})

	tt := []struct {
		name  string
		trace chain.TransactionTrace
		want  bool
	}{
		{name: "allowed account", trace: trace(10, "token"), want: true},
		{name: "solely denied", trace: trace(10, "spam"), want: false},
		{name: "all denied accounts", trace: trace(10, "spam", "storm"), want: false},
		{name: "mixed keeps", trace: trace(10, "spam", "token"), want: true},
		{name: "below start height", trace: trace(9, "token"), want: false},
		{name: "no actions kept", trace: trace(12), want: true},
		{
			name: "onblock timer",
			trace: chain.TransactionTrace{BlockNum: 11, ActionTraces: []chain.ActionTrace{
				{Receiver: "eosio", Action: chain.Action{Account: "eosio", Name: chain.OnBlockAction}},
			}},
			want: false,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.KeepTrace(tc.trace))
		})
	}
}

func TestKeepTransaction(t *testing.T) {
	f := New(Options{DenyAccounts: []string{"spam"}})

	assert.False(t, f.KeepTransaction(chain.TransactionMeta{Actions: []chain.Action{{Account: "spam"}}}))
	assert.True(t, f.KeepTransaction(chain.TransactionMeta{Actions: []chain.Action{{Account: "spam"}, {Account: "dex"}}}))
	assert.True(t, f.KeepTransaction(chain.TransactionMeta{}))
}

func TestEmptyDenyListKeepsEverything(t *testing.T) {
	f := New(Options{})
	assert.True(t, f.KeepTrace(trace(0, "anyone")))
	assert.True(t, f.KeepBlock(chain.BlockEvent{Number: 0}))
}

func TestAllowList(t *testing.T) {
	f := New(Options{Actions: []string{"transfer", "issue"}, DenyAccounts: []string{"spam"}})

	assert.True(t, f.AllowAction("transfer"))
	assert.False(t, f.AllowAction("vote"))
	assert.True(t, f.Persist(chain.Action{Account: "token", Name: "issue"}))
	assert.False(t, f.Persist(chain.Action{Account: "spam", Name: "issue"}))
	assert.False(t, f.Persist(chain.Action{Account: "token", Name: "vote"}))

	open := New(Options{})
	assert.True(t, open.AllowAction("anything"))
}

func TestKeepBlockStartHeight(t *testing.T) {
	f := New(Options{StartBlock: 100})
	assert.False(t, f.KeepBlock(chain.BlockEvent{Number: 99}))
	assert.True(t, f.KeepBlock(chain.BlockEvent{Number: 100}))
}
