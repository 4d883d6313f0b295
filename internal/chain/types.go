package chain

import (
	"time"
)

// OnBlockAction is the system timer action the node injects into every block.
const OnBlockAction = "onblock"

// PermissionLevel names an actor and the permission it signed with.
type PermissionLevel struct {
	Actor      string `codec:"actor" json:"actor"`
	Permission string `codec:"permission" json:"permission"`
}

// Action is the leaf unit of persisted work.
type Action struct {
	Account       string            `codec:"account" json:"account"`
	Name          string            `codec:"name" json:"name"`
	Authorization []PermissionLevel `codec:"authorization" json:"authorization"`
	Data          []byte            `codec:"data" json:"data"`
}

// ActionTrace is an executed action together with the inline actions it triggered.
type ActionTrace struct {
	Receiver       string        `codec:"receiver" json:"receiver"`
	Action         Action        `codec:"act" json:"act"`
	GlobalSequence uint64        `codec:"global_sequence" json:"global_sequence"`
	InlineTraces   []ActionTrace `codec:"inline_traces" json:"inline_traces"`
}

// IsNotification reports whether the trace only records a receive notification.
func (a ActionTrace) IsNotification() bool {
	return a.Receiver != a.Action.Account
}

// TransactionRef is a transaction as referenced from a block: either the inline
// body or, when Deferred is set, a pointer to a previously scheduled transaction.
type TransactionRef struct {
	ID       string   `codec:"id" json:"id"`
	Actions  []Action `codec:"actions" json:"actions"`
	Deferred bool     `codec:"deferred" json:"deferred"`
}

// IsOnBlock reports whether the transaction carries only the system timer action.
func (t TransactionRef) IsOnBlock() bool {
	return len(t.Actions) == 1 && t.Actions[0].Name == OnBlockAction
}

// BlockEvent is an accepted or irreversible block.
type BlockEvent struct {
	ID           string           `codec:"id" json:"id"`
	Number       uint64           `codec:"block_num" json:"block_num"`
	PreviousID   string           `codec:"previous" json:"previous"`
	Timestamp    time.Time        `codec:"timestamp" json:"timestamp"`
	Producer     string           `codec:"producer" json:"producer"`
	Transactions []TransactionRef `codec:"transactions" json:"transactions"`
}

// TransactionMeta is an accepted transaction, delivered before its trace.
type TransactionMeta struct {
	ID         string    `codec:"id" json:"id"`
	BlockNum   uint64    `codec:"block_num" json:"block_num"`
	Expiration time.Time `codec:"expiration" json:"expiration"`
	Actions    []Action  `codec:"actions" json:"actions"`
	Scheduled  bool      `codec:"scheduled" json:"scheduled"`
}

// TransactionTrace is the recorded execution of a transaction.
type TransactionTrace struct {
	ID           string        `codec:"id" json:"id"`
	BlockNum     uint64        `codec:"block_num" json:"block_num"`
	BlockTime    time.Time     `codec:"block_time" json:"block_time"`
	Scheduled    bool          `codec:"scheduled" json:"scheduled"`
	Except       string        `codec:"except" json:"except"`
	Elapsed      time.Duration `codec:"elapsed" json:"elapsed"`
	ActionTraces []ActionTrace `codec:"action_traces" json:"action_traces"`
}

// Failed reports whether execution of the transaction failed.
func (t TransactionTrace) Failed() bool {
	return t.Except != ""
}

// TopLevelAccounts returns the account of every top-level action in order.
func (t TransactionTrace) TopLevelAccounts() []string {
	out := make([]string, 0, len(t.ActionTraces))
	for _, at := range t.ActionTraces {
		out = append(out, at.Action.Account)
	}
	return out
}

// Walk visits action traces depth-first, parents before their inline children.
// Returning false from fn skips the subtree below that trace.
func Walk(traces []ActionTrace, fn func(ActionTrace) bool) {
	for _, at := range traces {
		if !fn(at) {
			continue
		}
		Walk(at.InlineTraces, fn)
	}
}
