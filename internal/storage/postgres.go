package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const migrationsTable = "ledger_sink_migrations"

// PostgresStore persists the pipeline into PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	retry retrier
}

// OpenPostgres connects, verifies the connection and applies embedded migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn required")
	}
	o := buildOptions(opts)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	maxConns, err := safecast.ToInt32(o.maxConns)
	if err != nil {
		return nil, fmt.Errorf("max conns: %w", err)
	}
	cfg.MaxConns = maxConns

	if err := migratePostgres(cfg.ConnConfig); err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool, retry: newRetrier(o, postgresTransient)}, nil
}

func migratePostgres(connCfg *pgx.ConnConfig) error {
	db := stdlib.OpenDB(*connCfg)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		db.Close()
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func postgresTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"): // connection exception
		return true
	case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
		return true
	case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
		return true
	}
	return false
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("store not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := s.retry.do(ctx, op, func(ctx context.Context) error {
		var err error
		tag, err = s.pool.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return tag, fmt.Errorf("%s: %w", op, err)
	}
	return tag, nil
}

func (s *PostgresStore) queryRow(ctx context.Context, op, query string, args []any, dest ...any) (bool, error) {
	found := true
	err := s.retry.do(ctx, op, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, query, args...).Scan(dest...)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return found, nil
}

func height(n uint64) (int64, error) {
	h, err := safecast.ToInt64(n)
	if err != nil {
		return 0, fmt.Errorf("block height %d: %w", n, err)
	}
	return h, nil
}

func jsonText(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// UpsertBlock inserts or refreshes a block. The irreversible flag is never lowered.
func (s *PostgresStore) UpsertBlock(ctx context.Context, b Block) error {
	if b.ID == "" {
		return errors.New("block id required")
	}
	num, err := height(b.Number)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "upsert block", `
INSERT INTO blocks (id, block_num, prev_block_id, timestamp, producer, num_transactions, irreversible, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO UPDATE SET
  block_num = EXCLUDED.block_num,
  prev_block_id = EXCLUDED.prev_block_id,
  timestamp = EXCLUDED.timestamp,
  producer = EXCLUDED.producer,
  num_transactions = EXCLUDED.num_transactions,
  irreversible = blocks.irreversible OR EXCLUDED.irreversible,
  updated_at = NOW()`,
		b.ID, num, b.PreviousID, b.Timestamp.UTC(), b.Producer, b.NumTransactions, b.Irreversible)
	return err
}

// DeleteForkedBlocks removes reversible blocks at number other than keepID.
func (s *PostgresStore) DeleteForkedBlocks(ctx context.Context, number uint64, keepID string) error {
	num, err := height(number)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "delete forked blocks",
		`DELETE FROM blocks WHERE block_num = $1 AND id <> $2 AND NOT irreversible`, num, keepID)
	return err
}

// MaxIrreversibleHeight returns the highest irreversible block number; ok is false when none exists.
func (s *PostgresStore) MaxIrreversibleHeight(ctx context.Context) (uint64, bool, error) {
	var h *int64
	if _, err := s.queryRow(ctx, "max irreversible height",
		`SELECT MAX(block_num) FROM blocks WHERE irreversible`, nil, &h); err != nil {
		return 0, false, err
	}
	if h == nil {
		return 0, false, nil
	}
	out, err := safecast.ToUint64(*h)
	if err != nil {
		return 0, false, fmt.Errorf("max irreversible height: %w", err)
	}
	return out, true, nil
}

// UpsertTransaction inserts or refreshes a transaction. Scheduled and irreversible are never lowered.
func (s *PostgresStore) UpsertTransaction(ctx context.Context, t Transaction) error {
	if t.ID == "" {
		return errors.New("transaction id required")
	}
	num, err := height(t.BlockNum)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "upsert transaction", `
INSERT INTO transactions (id, block_id, block_num, num_actions, scheduled, irreversible, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
  block_id = EXCLUDED.block_id,
  block_num = EXCLUDED.block_num,
  num_actions = EXCLUDED.num_actions,
  scheduled = transactions.scheduled OR EXCLUDED.scheduled,
  irreversible = transactions.irreversible OR EXCLUDED.irreversible,
  updated_at = NOW()`,
		t.ID, t.BlockID, num, t.NumActions, t.Scheduled, t.Irreversible)
	return err
}

// TransactionIrreversible reports whether the transaction is stored and irreversible.
func (s *PostgresStore) TransactionIrreversible(ctx context.Context, id string) (bool, error) {
	var irreversible bool
	found, err := s.queryRow(ctx, "transaction irreversible",
		`SELECT irreversible FROM transactions WHERE id = $1`, []any{id}, &irreversible)
	if err != nil || !found {
		return false, err
	}
	return irreversible, nil
}

// InsertPending records a placeholder; an existing row is left untouched.
func (s *PostgresStore) InsertPending(ctx context.Context, p Pending) error {
	if p.ID == "" {
		return errors.New("pending id required")
	}
	num, err := height(p.BlockNum)
	if err != nil {
		return err
	}
	var exp *time.Time
	if !p.Expiration.IsZero() {
		t := p.Expiration.UTC()
		exp = &t
	}
	_, err = s.exec(ctx, "insert pending", `
INSERT INTO pending_transactions (id, block_num, expiration)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, p.ID, num, exp)
	return err
}

func scanPending(row pgx.Row) (Pending, error) {
	var (
		p   Pending
		num int64
		exp *time.Time
	)
	if err := row.Scan(&p.ID, &num, &exp); err != nil {
		return Pending{}, err
	}
	n, err := safecast.ToUint64(num)
	if err != nil {
		return Pending{}, err
	}
	p.BlockNum = n
	if exp != nil {
		p.Expiration = exp.UTC()
	}
	return p, nil
}

// GetPending looks up a placeholder by transaction id.
func (s *PostgresStore) GetPending(ctx context.Context, id string) (Pending, bool, error) {
	var (
		p     Pending
		found = true
	)
	err := s.retry.do(ctx, "get pending", func(ctx context.Context) error {
		var err error
		p, err = scanPending(s.pool.QueryRow(ctx,
			`SELECT id, block_num, expiration FROM pending_transactions WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return Pending{}, false, fmt.Errorf("get pending: %w", err)
	}
	return p, found, nil
}

// DeletePending removes a placeholder. Missing rows are not an error.
func (s *PostgresStore) DeletePending(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "delete pending", `DELETE FROM pending_transactions WHERE id = $1`, id)
	return err
}

// PrunePending removes placeholders recorded below the given height.
func (s *PostgresStore) PrunePending(ctx context.Context, below uint64) (int64, error) {
	num, err := height(below)
	if err != nil {
		return 0, err
	}
	tag, err := s.exec(ctx, "prune pending", `DELETE FROM pending_transactions WHERE block_num < $1`, num)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListPending returns up to limit placeholders, oldest height first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Pending, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Pending
	err := s.retry.do(ctx, "list pending", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.pool.Query(ctx,
			`SELECT id, block_num, expiration FROM pending_transactions ORDER BY block_num, id LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPending(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

// UpsertAction writes an action row keyed by (transaction, origin, ordinal).
func (s *PostgresStore) UpsertAction(ctx context.Context, a Action) error {
	if a.TransactionID == "" || a.Origin == "" {
		return errors.New("action transaction_id and origin required")
	}
	num, err := height(a.BlockNum)
	if err != nil {
		return err
	}
	seq, err := safecast.ToInt64(a.GlobalSequence)
	if err != nil {
		return fmt.Errorf("global sequence: %w", err)
	}
	_, err = s.exec(ctx, "upsert action", `
INSERT INTO actions (transaction_id, origin, ordinal, block_num, account, name, receiver, auth, data, global_sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (transaction_id, origin, ordinal) DO UPDATE SET
  block_num = EXCLUDED.block_num,
  account = EXCLUDED.account,
  name = EXCLUDED.name,
  receiver = EXCLUDED.receiver,
  auth = EXCLUDED.auth,
  data = EXCLUDED.data,
  global_sequence = EXCLUDED.global_sequence`,
		a.TransactionID, a.Origin, a.Ordinal, num, a.Account, a.Name, a.Receiver,
		jsonText(a.Authorization), jsonText(a.Data), seq)
	return err
}

// ListActions returns the actions of a transaction ordered by origin and ordinal.
func (s *PostgresStore) ListActions(ctx context.Context, transactionID string) ([]Action, error) {
	var out []Action
	err := s.retry.do(ctx, "list actions", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.pool.Query(ctx, `
SELECT transaction_id, origin, ordinal, block_num, account, name, receiver, auth::text, data::text, global_sequence
FROM actions WHERE transaction_id = $1 ORDER BY origin, ordinal`, transactionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a        Action
				num, seq int64
			)
			if err := rows.Scan(&a.TransactionID, &a.Origin, &a.Ordinal, &num, &a.Account, &a.Name, &a.Receiver,
				&a.Authorization, &a.Data, &seq); err != nil {
				return err
			}
			if a.BlockNum, err = safecast.ToUint64(num); err != nil {
				return err
			}
			if a.GlobalSequence, err = safecast.ToUint64(seq); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

// UpsertAccount creates the account if absent.
func (s *PostgresStore) UpsertAccount(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("account name required")
	}
	_, err := s.exec(ctx, "upsert account",
		`INSERT INTO accounts (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return err
}

// SetAccountABI stores the ABI document for an account, creating the account if needed.
func (s *PostgresStore) SetAccountABI(ctx context.Context, name, abi string) error {
	if name == "" {
		return errors.New("account name required")
	}
	_, err := s.exec(ctx, "set account abi", `
INSERT INTO accounts (name, abi, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE SET abi = EXCLUDED.abi, updated_at = NOW()`, name, abi)
	return err
}

// AccountABI returns the stored ABI; ok is false when the account or its ABI is missing.
func (s *PostgresStore) AccountABI(ctx context.Context, name string) (string, bool, error) {
	var abi *string
	found, err := s.queryRow(ctx, "account abi",
		`SELECT abi FROM accounts WHERE name = $1`, []any{name}, &abi)
	if err != nil || !found || abi == nil || *abi == "" {
		return "", false, err
	}
	return *abi, true, nil
}

// AccountExists reports whether the account row is present.
func (s *PostgresStore) AccountExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if _, err := s.queryRow(ctx, "account exists",
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE name = $1)`, []any{name}, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpsertAccountKey records a permission key; an existing row is left untouched.
func (s *PostgresStore) UpsertAccountKey(ctx context.Context, k AccountKey) error {
	if k.Account == "" || k.PublicKey == "" {
		return errors.New("account key account and public_key required")
	}
	_, err := s.exec(ctx, "upsert account key", `
INSERT INTO account_keys (account, permission, public_key) VALUES ($1, $2, $3)
ON CONFLICT (account, permission, public_key) DO NOTHING`, k.Account, k.Permission, k.PublicKey)
	return err
}

// AccountKeys returns the keys recorded for an account.
func (s *PostgresStore) AccountKeys(ctx context.Context, account string) ([]AccountKey, error) {
	var out []AccountKey
	err := s.retry.do(ctx, "account keys", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.pool.Query(ctx,
			`SELECT account, permission, public_key FROM account_keys WHERE account = $1 ORDER BY permission, public_key`, account)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k AccountKey
			if err := rows.Scan(&k.Account, &k.Permission, &k.PublicKey); err != nil {
				return err
			}
			out = append(out, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("account keys: %w", err)
	}
	return out, nil
}

// UpsertToken registers a token. A later create for the same symbol refreshes it.
func (s *PostgresStore) UpsertToken(ctx context.Context, t Token) error {
	if t.Contract == "" || t.Symbol == "" {
		return errors.New("token contract and symbol required")
	}
	_, err := s.exec(ctx, "upsert token", `
INSERT INTO tokens (contract, symbol, symbol_precision, max_supply, issuer)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (contract, symbol) DO UPDATE SET
  symbol_precision = EXCLUDED.symbol_precision,
  max_supply = EXCLUDED.max_supply,
  issuer = EXCLUDED.issuer`,
		t.Contract, t.Symbol, t.Precision, t.MaxSupply, t.Issuer)
	return err
}

// GetToken looks up a registered token.
func (s *PostgresStore) GetToken(ctx context.Context, contract, symbol string) (Token, bool, error) {
	var (
		t         Token
		precision int16
	)
	found, err := s.queryRow(ctx, "get token", `
SELECT contract, symbol, symbol_precision, max_supply, issuer FROM tokens WHERE contract = $1 AND symbol = $2`,
		[]any{contract, symbol}, &t.Contract, &t.Symbol, &precision, &t.MaxSupply, &t.Issuer)
	if err != nil || !found {
		return Token{}, false, err
	}
	t.Precision = int(precision)
	return t, true, nil
}

// RecordTokenMovement stores a movement once per global sequence.
func (s *PostgresStore) RecordTokenMovement(ctx context.Context, m TokenMovement) error {
	if m.GlobalSequence == 0 {
		return errors.New("token movement global_sequence required")
	}
	seq, err := safecast.ToInt64(m.GlobalSequence)
	if err != nil {
		return fmt.Errorf("global sequence: %w", err)
	}
	num, err := height(m.BlockNum)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, "record token movement", `
INSERT INTO token_movements (global_sequence, transaction_id, block_num, contract, symbol, symbol_precision, kind, sender, recipient, amount, memo)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (global_sequence) DO NOTHING`,
		seq, m.TransactionID, num, m.Contract, m.Symbol, m.Precision, m.Kind, m.From, m.To, m.Amount, m.Memo)
	return err
}

// TokenBalances sums an account's incoming and outgoing movements per token.
func (s *PostgresStore) TokenBalances(ctx context.Context, account string) ([]Balance, error) {
	var out []Balance
	err := s.retry.do(ctx, "token balances", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.pool.Query(ctx, `
SELECT contract, symbol, MAX(symbol_precision)::INTEGER, SUM(delta)::BIGINT FROM (
  SELECT contract, symbol, symbol_precision, amount AS delta FROM token_movements WHERE recipient = $1
  UNION ALL
  SELECT contract, symbol, symbol_precision, -amount AS delta FROM token_movements WHERE sender = $1
) m
GROUP BY contract, symbol
ORDER BY contract, symbol`, account)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				b         Balance
				precision int32
			)
			if err := rows.Scan(&b.Contract, &b.Symbol, &precision, &b.Amount); err != nil {
				return err
			}
			b.Precision = int(precision)
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("token balances: %w", err)
	}
	return out, nil
}

// TokenSupply sums every issue of a token.
func (s *PostgresStore) TokenSupply(ctx context.Context, contract, symbol string) (int64, error) {
	var supply int64
	_, err := s.queryRow(ctx, "token supply", `
SELECT COALESCE(SUM(amount), 0)::BIGINT FROM token_movements WHERE contract = $1 AND symbol = $2 AND kind = $3`,
		[]any{contract, symbol, MovementIssue}, &supply)
	return supply, err
}

// Counts summarizes table sizes.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	_, err := s.queryRow(ctx, "counts", `
SELECT
  (SELECT COUNT(1) FROM blocks),
  (SELECT COUNT(1) FROM blocks WHERE irreversible),
  (SELECT COUNT(1) FROM transactions),
  (SELECT COUNT(1) FROM actions),
  (SELECT COUNT(1) FROM pending_transactions),
  (SELECT COUNT(1) FROM accounts),
  (SELECT COUNT(1) FROM tokens),
  (SELECT COUNT(1) FROM token_movements)`, nil,
		&c.Blocks, &c.IrreversibleBlocks, &c.Transactions, &c.Actions, &c.Pending, &c.Accounts,
		&c.Tokens, &c.TokenMovements)
	return c, err
}
