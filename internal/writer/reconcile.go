package writer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/storage"
	"github.com/devblac/ledger-sink/internal/tracing"
)

// Outcome is how a trace reconciliation ended.
type Outcome string

// Reconciliation outcomes, also used as the outcome metric label.
const (
	Persisted Outcome = "persisted"
	Discarded Outcome = "discarded"
	Abandoned Outcome = "abandoned"
	Cancelled Outcome = "cancelled"
)

type step int

const (
	stepCheck step = iota
	stepEscape
	stepWait
)

// ApplyTrace waits until the trace's transaction is irreversible in the sink
// and then persists its actions. The wait ends early when the transaction's
// height falls behind the irreversible height or shutdown is requested. The
// pending placeholder is deleted on every exit.
func (w *Writer) ApplyTrace(ctx context.Context, tt chain.TransactionTrace) (outcome Outcome) {
	ctx, span := tracing.Start(ctx, "writer.ApplyTrace", w.tracing,
		attribute.String("transaction", tt.ID),
		attribute.Int64("block_num", int64(tt.BlockNum)))
	started := w.now()
	defer func() {
		if err := w.sink.DeletePending(ctx, tt.ID); err != nil {
			w.logger.Error("delete pending transaction", "transaction", tt.ID, "error", err)
		}
		w.metrics.Reconciled(string(outcome), w.now().Sub(started))
		if span != nil {
			span.SetAttributes(attribute.String("outcome", string(outcome)))
		}
		tracing.End(span, nil)
	}()

	st := stepCheck
	for {
		switch st {
		case stepCheck:
			if w.irreversible(ctx, tt.ID) {
				return w.settle(ctx, tt)
			}
			st = stepEscape

		case stepEscape:
			if w.behind(ctx, tt) {
				// the irreversible mark is written before the height advances
				if w.irreversible(ctx, tt.ID) {
					return w.settle(ctx, tt)
				}
				w.logger.Debug("abandoning trace behind irreversible height", "transaction", tt.ID, "block_num", tt.BlockNum)
				return Abandoned
			}
			st = stepWait

		case stepWait:
			if !w.shutdown.Sleep(w.poll) {
				return Cancelled
			}
			st = stepCheck
		}
	}
}

func (w *Writer) irreversible(ctx context.Context, id string) bool {
	ok, err := w.sink.TransactionIrreversible(ctx, id)
	if err != nil {
		w.logger.Error("check transaction irreversible", "transaction", id, "error", err)
		return false
	}
	return ok
}

// behind reports whether the transaction's recorded height is below the
// maximum irreversible height, so it can no longer become irreversible.
func (w *Writer) behind(ctx context.Context, tt chain.TransactionTrace) bool {
	recorded := tt.BlockNum
	if p, ok, err := w.sink.GetPending(ctx, tt.ID); err != nil {
		w.logger.Error("get pending transaction", "transaction", tt.ID, "error", err)
	} else if ok {
		recorded = p.BlockNum
	}

	maxIrr, ok, err := w.sink.MaxIrreversibleHeight(ctx)
	if err != nil {
		w.logger.Error("max irreversible height", "error", err)
		return false
	}
	return ok && recorded < maxIrr
}

func (w *Writer) settle(ctx context.Context, tt chain.TransactionTrace) Outcome {
	if tt.Failed() {
		w.logger.Debug("discarding failed trace", "transaction", tt.ID, "except", tt.Except)
		return Discarded
	}
	w.persistTrace(ctx, tt)
	return Persisted
}

// persistTrace writes every non-notification action depth-first and feeds
// token contract actions to the token projection. A notification's inline
// children are skipped along with it. Ordinals follow visit order so replays
// overwrite the same rows.
func (w *Writer) persistTrace(ctx context.Context, tt chain.TransactionTrace) {
	ordinal := 0
	chain.Walk(tt.ActionTraces, func(at chain.ActionTrace) bool {
		if at.IsNotification() {
			return false
		}
		persist := w.filter.Persist(at.Action)
		token := w.tracksToken(at.Action.Account)
		if persist || token {
			data := w.payload(ctx, at.Action)
			if persist {
				row := w.actionRow(tt.ID, storage.OriginTrace, ordinal, tt.BlockNum, at.Receiver, at.Action, data, at.GlobalSequence)
				if err := w.sink.UpsertAction(ctx, row); err != nil {
					w.logger.Error("persist trace action", "transaction", tt.ID, "ordinal", ordinal, "error", err)
				}
			}
			if token {
				w.projectToken(ctx, tt, at, data)
			}
		}
		ordinal++
		return true
	})
}
