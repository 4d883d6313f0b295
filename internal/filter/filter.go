package filter

import (
	"strings"

	"github.com/devblac/ledger-sink/internal/chain"
)

// Options are the inputs of a Filter, normally taken from config.
type Options struct {
	// Actions is the allow-list of action names persisted in detail. Empty allows all.
	Actions []string
	// DenyAccounts lists contract accounts whose activity is shed before queueing.
	DenyAccounts []string
	// StartBlock drops every event below this height.
	StartBlock uint64
}

// Filter holds immutable allow/deny sets. All methods are safe for concurrent use.
type Filter struct {
	allow      map[string]struct{}
	deny       map[string]struct{}
	startBlock uint64
}

// New builds a filter. Blank entries are ignored and names are trimmed.
func New(opts Options) *Filter {
	return &Filter{
		allow:      toSet(opts.Actions),
		deny:       toSet(opts.DenyAccounts),
		startBlock: opts.StartBlock,
	}
}

// AllowAction reports whether actions with this name get a detailed row.
func (f *Filter) AllowAction(name string) bool {
	if len(f.allow) == 0 {
		return true
	}
	_, ok := f.allow[name]
	return ok
}

// Denied reports whether the account is on the deny-list.
func (f *Filter) Denied(account string) bool {
	_, ok := f.deny[account]
	return ok
}

// Persist reports whether an action passes both lists.
func (f *Filter) Persist(act chain.Action) bool {
	return !f.Denied(act.Account) && f.AllowAction(act.Name)
}

// KeepBlock applies the start height to accepted and irreversible blocks.
func (f *Filter) KeepBlock(b chain.BlockEvent) bool {
	return b.Number >= f.startBlock
}

// KeepTransaction drops transactions below the start height or whose every
// action belongs to a denied account.
func (f *Filter) KeepTransaction(tm chain.TransactionMeta) bool {
	if tm.BlockNum < f.startBlock {
		return false
	}
	accounts := make([]string, 0, len(tm.Actions))
	for _, a := range tm.Actions {
		accounts = append(accounts, a.Account)
	}
	return !f.allDenied(accounts)
}

// KeepTrace drops traces below the start height, the bare onblock timer trace,
// and traces whose every top-level action belongs to a denied account.
func (f *Filter) KeepTrace(tt chain.TransactionTrace) bool {
	if tt.BlockNum < f.startBlock {
		return false
	}
	if len(tt.ActionTraces) == 1 && tt.ActionTraces[0].Action.Name == chain.OnBlockAction {
		return false
	}
	return !f.allDenied(tt.TopLevelAccounts())
}

func (f *Filter) allDenied(accounts []string) bool {
	if len(accounts) == 0 || len(f.deny) == 0 {
		return false
	}
	for _, a := range accounts {
		if !f.Denied(a) {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
