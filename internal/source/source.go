// Package source adapts delivered ledger events onto the pipeline callbacks.
package source

import (
	"errors"
	"fmt"

	"github.com/devblac/ledger-sink/internal/chain"
)

// Stream names carried in envelopes and used for subject routing.
const (
	StreamBlocks       = "blocks"
	StreamIrreversible = "irreversible"
	StreamTransactions = "transactions"
	StreamTraces       = "traces"
)

// Dispatch errors for envelopes that cannot be delivered.
var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrEmptyEvent    = errors.New("envelope carries no event")
)

// Handler is the ledger node callback surface. Calls are synchronous and must
// not block on sink I/O.
type Handler interface {
	AcceptedBlock(b chain.BlockEvent)
	IrreversibleBlock(b chain.BlockEvent)
	AcceptedTransaction(tm chain.TransactionMeta)
	AppliedTransaction(tt chain.TransactionTrace)
}

// Envelope tags an event with its stream. Exactly one payload field is set.
type Envelope struct {
	Stream      string                  `codec:"stream" json:"stream"`
	Block       *chain.BlockEvent       `codec:"block,omitempty" json:"block,omitempty"`
	Transaction *chain.TransactionMeta  `codec:"transaction,omitempty" json:"transaction,omitempty"`
	Trace       *chain.TransactionTrace `codec:"trace,omitempty" json:"trace,omitempty"`
}

// Dispatch hands the envelope's event to the matching callback.
func Dispatch(h Handler, env Envelope) error {
	switch env.Stream {
	case StreamBlocks, StreamIrreversible:
		if env.Block == nil {
			return fmt.Errorf("%s: %w", env.Stream, ErrEmptyEvent)
		}
		if env.Stream == StreamBlocks {
			h.AcceptedBlock(*env.Block)
		} else {
			h.IrreversibleBlock(*env.Block)
		}
	case StreamTransactions:
		if env.Transaction == nil {
			return fmt.Errorf("%s: %w", env.Stream, ErrEmptyEvent)
		}
		h.AcceptedTransaction(*env.Transaction)
	case StreamTraces:
		if env.Trace == nil {
			return fmt.Errorf("%s: %w", env.Stream, ErrEmptyEvent)
		}
		h.AppliedTransaction(*env.Trace)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStream, env.Stream)
	}
	return nil
}
