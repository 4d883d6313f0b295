package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Action origins distinguish rows written from irreversible blocks and from traces.
const (
	OriginBlock = "block"
	OriginTrace = "trace"
)

// Sink drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Token movement kinds.
const (
	MovementIssue    = "issue"
	MovementTransfer = "transfer"
)

// Block is a row of the blocks table.
type Block struct {
	ID              string    `db:"id"`
	Number          uint64    `db:"block_num"`
	PreviousID      string    `db:"prev_block_id"`
	Timestamp       time.Time `db:"timestamp"`
	Producer        string    `db:"producer"`
	NumTransactions int       `db:"num_transactions"`
	Irreversible    bool      `db:"irreversible"`
}

// Transaction is a row of the transactions table. Irreversible only ever moves from false to true.
type Transaction struct {
	ID           string `db:"id"`
	BlockID      string `db:"block_id"`
	BlockNum     uint64 `db:"block_num"`
	NumActions   int    `db:"num_actions"`
	Scheduled    bool   `db:"scheduled"`
	Irreversible bool   `db:"irreversible"`
}

// Pending is the placeholder recorded for a transaction whose trace is not yet reconciled.
type Pending struct {
	ID         string    `db:"id"`
	BlockNum   uint64    `db:"block_num"`
	Expiration time.Time `db:"expiration"`
}

// Action is a persisted action row keyed by (transaction, origin, ordinal).
type Action struct {
	TransactionID  string `db:"transaction_id"`
	Origin         string `db:"origin"`
	Ordinal        int    `db:"ordinal"`
	BlockNum       uint64 `db:"block_num"`
	Account        string `db:"account"`
	Name           string `db:"name"`
	Receiver       string `db:"receiver"`
	Authorization  string `db:"auth"`
	Data           string `db:"data"`
	GlobalSequence uint64 `db:"global_sequence"`
}

// AccountKey is a public key attached to an account permission at creation.
type AccountKey struct {
	Account    string `db:"account"`
	Permission string `db:"permission"`
	PublicKey  string `db:"public_key"`
}

// Token is a row of the token registry, written when a token is created.
type Token struct {
	Contract  string `db:"contract"`
	Symbol    string `db:"symbol"`
	Precision int    `db:"symbol_precision"`
	MaxSupply int64  `db:"max_supply"`
	Issuer    string `db:"issuer"`
}

// TokenMovement is one issue or transfer, keyed by the action's global
// sequence so replays never count it twice. Amount is in base units.
type TokenMovement struct {
	GlobalSequence uint64 `db:"global_sequence"`
	TransactionID  string `db:"transaction_id"`
	BlockNum       uint64 `db:"block_num"`
	Contract       string `db:"contract"`
	Symbol         string `db:"symbol"`
	Precision      int    `db:"symbol_precision"`
	Kind           string `db:"kind"`
	From           string `db:"sender"`
	To             string `db:"recipient"`
	Amount         int64  `db:"amount"`
	Memo           string `db:"memo"`
}

// Balance is an account's holding of one token, summed over its movements.
type Balance struct {
	Contract  string `db:"contract"`
	Symbol    string `db:"symbol"`
	Precision int    `db:"symbol_precision"`
	Amount    int64  `db:"amount"`
}

// Counts summarizes table sizes for the state command.
type Counts struct {
	Blocks             int64 `db:"blocks"`
	IrreversibleBlocks int64 `db:"irreversible_blocks"`
	Transactions       int64 `db:"transactions"`
	Actions            int64 `db:"actions"`
	Pending            int64 `db:"pending"`
	Accounts           int64 `db:"accounts"`
	Tokens             int64 `db:"tokens"`
	TokenMovements     int64 `db:"token_movements"`
}

// Store is the relational sink. Every write is an idempotent upsert or delete.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertBlock(ctx context.Context, b Block) error
	DeleteForkedBlocks(ctx context.Context, number uint64, keepID string) error
	MaxIrreversibleHeight(ctx context.Context) (uint64, bool, error)

	UpsertTransaction(ctx context.Context, t Transaction) error
	TransactionIrreversible(ctx context.Context, id string) (bool, error)

	InsertPending(ctx context.Context, p Pending) error
	GetPending(ctx context.Context, id string) (Pending, bool, error)
	DeletePending(ctx context.Context, id string) error
	PrunePending(ctx context.Context, below uint64) (int64, error)
	ListPending(ctx context.Context, limit int) ([]Pending, error)

	UpsertAction(ctx context.Context, a Action) error
	ListActions(ctx context.Context, transactionID string) ([]Action, error)

	UpsertAccount(ctx context.Context, name string) error
	SetAccountABI(ctx context.Context, name, abi string) error
	AccountABI(ctx context.Context, name string) (string, bool, error)
	AccountExists(ctx context.Context, name string) (bool, error)
	UpsertAccountKey(ctx context.Context, k AccountKey) error
	AccountKeys(ctx context.Context, account string) ([]AccountKey, error)

	UpsertToken(ctx context.Context, t Token) error
	GetToken(ctx context.Context, contract, symbol string) (Token, bool, error)
	RecordTokenMovement(ctx context.Context, m TokenMovement) error
	TokenBalances(ctx context.Context, account string) ([]Balance, error)
	TokenSupply(ctx context.Context, contract, symbol string) (int64, error)

	Counts(ctx context.Context) (Counts, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	maxRetries uint64
	retryEvery time.Duration
	maxConns   int
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetry bounds the per-statement retry on transient errors.
func WithRetry(maxRetries uint64, interval time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		if interval > 0 {
			o.retryEvery = interval
		}
	}
}

// WithMaxConns caps the connection pool.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		maxRetries: 5,
		retryEvery: 200 * time.Millisecond,
		maxConns:   8,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the sink named by driver and applies its schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		return OpenSQLite(dsn, opts...)
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported sink driver: %s", driver)
	}
}

// Bootstrap seeds the system account on a fresh sink. It reports whether the
// sink had already been started.
func Bootstrap(ctx context.Context, s Store, systemAccount string) (bool, error) {
	started, err := s.AccountExists(ctx, systemAccount)
	if err != nil {
		return false, fmt.Errorf("check started: %w", err)
	}
	if started {
		return true, nil
	}
	if err := s.UpsertAccount(ctx, systemAccount); err != nil {
		return false, fmt.Errorf("seed system account: %w", err)
	}
	return false, nil
}
