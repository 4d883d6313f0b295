package writer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/decoder"
	"github.com/devblac/ledger-sink/internal/filter"
	"github.com/devblac/ledger-sink/internal/metrics"
	"github.com/devblac/ledger-sink/internal/storage"
	"github.com/devblac/ledger-sink/internal/tracing"
)

const (
	// DefaultPollInterval is how often a waiting trace rechecks irreversibility.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultSystemAccount owns the account and ABI bookkeeping actions.
	DefaultSystemAccount = "eosio"

	newAccountAction = "newaccount"
	setABIAction     = "setabi"
)

// Permissions whose keys are recorded when an account is created.
var keyedPermissions = []string{"owner", "active"}

// Sink is the subset of the relational store the writer needs.
type Sink interface {
	UpsertBlock(ctx context.Context, b storage.Block) error
	DeleteForkedBlocks(ctx context.Context, number uint64, keepID string) error
	MaxIrreversibleHeight(ctx context.Context) (uint64, bool, error)

	UpsertTransaction(ctx context.Context, t storage.Transaction) error
	TransactionIrreversible(ctx context.Context, id string) (bool, error)

	InsertPending(ctx context.Context, p storage.Pending) error
	GetPending(ctx context.Context, id string) (storage.Pending, bool, error)
	DeletePending(ctx context.Context, id string) error
	PrunePending(ctx context.Context, below uint64) (int64, error)

	UpsertAction(ctx context.Context, a storage.Action) error

	UpsertAccount(ctx context.Context, name string) error
	SetAccountABI(ctx context.Context, name, abi string) error
	UpsertAccountKey(ctx context.Context, k storage.AccountKey) error

	UpsertToken(ctx context.Context, t storage.Token) error
	GetToken(ctx context.Context, contract, symbol string) (storage.Token, bool, error)
	RecordTokenMovement(ctx context.Context, m storage.TokenMovement) error
}

// Decoder renders action payloads as JSON.
type Decoder interface {
	Decode(ctx context.Context, account, name string, data []byte) string
	Invalidate(account string)
}

// Waiter sleeps unless shutdown is requested. Sleep returns false when interrupted.
type Waiter interface {
	Sleep(d time.Duration) bool
}

// Options configures a Writer.
type Options struct {
	Filter        *filter.Filter
	Decoder       Decoder
	Shutdown      Waiter
	SystemAccount string
	// TokenContracts are projected into token balances. Defaults to DefaultTokenContract.
	TokenContracts []string
	PollInterval   time.Duration
	Logger         *slog.Logger
	Metrics       *metrics.Metrics
	Tracing       bool
}

// Writer applies events to the sink. Every operation is idempotent.
type Writer struct {
	sink          Sink
	filter        *filter.Filter
	decoder       Decoder
	shutdown      Waiter
	systemAccount  string
	tokenContracts map[string]struct{}
	poll           time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracing        bool
	now            func() time.Time
}

// New builds a writer over sink.
func New(sink Sink, opts Options) *Writer {
	w := &Writer{
		sink:          sink,
		filter:        opts.Filter,
		decoder:       opts.Decoder,
		shutdown:      opts.Shutdown,
		systemAccount: opts.SystemAccount,
		poll:          opts.PollInterval,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracing:       opts.Tracing,
		now:           time.Now,
	}
	if w.filter == nil {
		w.filter = filter.New(filter.Options{})
	}
	if w.decoder == nil {
		w.decoder = nopDecoder{}
	}
	if w.shutdown == nil {
		w.shutdown = timerWaiter{}
	}
	if w.systemAccount == "" {
		w.systemAccount = DefaultSystemAccount
	}
	contracts := opts.TokenContracts
	if len(contracts) == 0 {
		contracts = []string{DefaultTokenContract}
	}
	w.tokenContracts = make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		w.tokenContracts[c] = struct{}{}
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("module", "writer")
	return w
}

// ApplyBlock records an accepted block. A reversible block previously stored at
// the same height under another id is replaced.
func (w *Writer) ApplyBlock(ctx context.Context, b chain.BlockEvent) (err error) {
	ctx, span := tracing.Start(ctx, "writer.ApplyBlock", w.tracing, attribute.Int64("block_num", int64(b.Number)))
	defer func() { tracing.End(span, err) }()

	var errs []error
	if err := w.sink.DeleteForkedBlocks(ctx, b.Number, b.ID); err != nil {
		errs = append(errs, err)
	}
	if err := w.sink.UpsertBlock(ctx, blockRow(b, false)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ApplyIrreversible persists the block's transactions and their actions, marks
// them irreversible, then advances the irreversible height.
func (w *Writer) ApplyIrreversible(ctx context.Context, b chain.BlockEvent) (err error) {
	ctx, span := tracing.Start(ctx, "writer.ApplyIrreversible", w.tracing,
		attribute.Int64("block_num", int64(b.Number)),
		attribute.Int("transactions", len(b.Transactions)))
	defer func() { tracing.End(span, err) }()

	var errs []error
	for _, ref := range b.Transactions {
		if ref.IsOnBlock() {
			continue
		}

		tx := storage.Transaction{
			ID:           ref.ID,
			BlockID:      b.ID,
			BlockNum:     b.Number,
			NumActions:   len(ref.Actions),
			Scheduled:    ref.Deferred,
			Irreversible: true,
		}
		if !ref.Deferred {
			for i, act := range ref.Actions {
				w.systemBookkeeping(ctx, act)
				if !w.filter.Persist(act) {
					continue
				}
				row := w.actionRow(ref.ID, storage.OriginBlock, i, b.Number, act.Account, act, w.payload(ctx, act), 0)
				if err := w.sink.UpsertAction(ctx, row); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if err := w.sink.UpsertTransaction(ctx, tx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := w.sink.UpsertBlock(ctx, blockRow(b, true)); err != nil {
		errs = append(errs, err)
	}
	if n, err := w.sink.PrunePending(ctx, b.Number); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		w.logger.Debug("pruned stale pending transactions", "below", b.Number, "count", n)
	}
	return errors.Join(errs...)
}

// ApplyTransaction records a pending placeholder for a transaction whose trace
// is not known yet.
func (w *Writer) ApplyTransaction(ctx context.Context, tm chain.TransactionMeta) error {
	irreversible, err := w.sink.TransactionIrreversible(ctx, tm.ID)
	if err != nil {
		return err
	}
	if irreversible {
		return nil
	}
	return w.sink.InsertPending(ctx, storage.Pending{
		ID:         tm.ID,
		BlockNum:   tm.BlockNum,
		Expiration: tm.Expiration,
	})
}

func (w *Writer) systemBookkeeping(ctx context.Context, act chain.Action) {
	if act.Account != w.systemAccount {
		return
	}
	switch act.Name {
	case newAccountAction:
		var p struct {
			Creator string    `json:"creator"`
			Name    string    `json:"name"`
			Owner   authority `json:"owner"`
			Active  authority `json:"active"`
		}
		if err := json.Unmarshal(act.Data, &p); err != nil || p.Name == "" {
			w.logger.Warn("malformed newaccount payload", "error", err)
			return
		}
		if err := w.sink.UpsertAccount(ctx, p.Name); err != nil {
			w.logger.Error("record new account", "account", p.Name, "error", err)
			return
		}
		for i, auth := range []authority{p.Owner, p.Active} {
			for _, k := range auth.Keys {
				if k.Key == "" {
					continue
				}
				key := storage.AccountKey{Account: p.Name, Permission: keyedPermissions[i], PublicKey: k.Key}
				if err := w.sink.UpsertAccountKey(ctx, key); err != nil {
					w.logger.Error("record account key", "account", p.Name, "permission", key.Permission, "error", err)
				}
			}
		}
	case setABIAction:
		var p struct {
			Account string          `json:"account"`
			ABI     json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(act.Data, &p); err != nil || p.Account == "" {
			w.logger.Warn("malformed setabi payload", "error", err)
			return
		}
		if err := w.sink.SetAccountABI(ctx, p.Account, string(p.ABI)); err != nil {
			w.logger.Error("store account abi", "account", p.Account, "error", err)
			return
		}
		w.decoder.Invalidate(p.Account)
	}
}

// authority is the key list of a permission in a newaccount payload.
type authority struct {
	Keys []struct {
		Key string `json:"key"`
	} `json:"keys"`
}

func (w *Writer) actionRow(txID, origin string, ordinal int, blockNum uint64, receiver string, act chain.Action, data string, seq uint64) storage.Action {
	return storage.Action{
		TransactionID:  txID,
		Origin:         origin,
		Ordinal:        ordinal,
		BlockNum:       blockNum,
		Account:        act.Account,
		Name:           act.Name,
		Receiver:       receiver,
		Authorization:  authorizationJSON(act.Authorization),
		Data:           data,
		GlobalSequence: seq,
	}
}

// payload decodes act.Data. Payloads the feed already rendered as a JSON
// object are kept as they are.
func (w *Writer) payload(ctx context.Context, act chain.Action) string {
	if len(act.Data) > 0 && act.Data[0] == '{' && json.Valid(act.Data) {
		return string(act.Data)
	}
	return w.decoder.Decode(ctx, act.Account, act.Name, act.Data)
}

func authorizationJSON(levels []chain.PermissionLevel) string {
	if len(levels) == 0 {
		return "[]"
	}
	out, err := json.Marshal(levels)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func blockRow(b chain.BlockEvent, irreversible bool) storage.Block {
	return storage.Block{
		ID:              b.ID,
		Number:          b.Number,
		PreviousID:      b.PreviousID,
		Timestamp:       b.Timestamp,
		Producer:        b.Producer,
		NumTransactions: len(b.Transactions),
		Irreversible:    irreversible,
	}
}

type nopDecoder struct{}

func (nopDecoder) Decode(context.Context, string, string, []byte) string { return decoder.Empty }
func (nopDecoder) Invalidate(string)                                     {}

type timerWaiter struct{}

func (timerWaiter) Sleep(d time.Duration) bool {
	time.Sleep(d)
	return true
}
