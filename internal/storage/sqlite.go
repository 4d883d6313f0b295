package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists the pipeline into a single SQLite file.
type SQLiteStore struct {
	db    *sqlx.DB
	retry retrier
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	o := buildOptions(opts)

	db, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(o.maxConns)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, retry: newRetrier(o, sqliteTransient)}, nil
}

// sqliteDSN attaches connection pragmas so every pooled connection gets them.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func sqliteTransient(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func migrateSQLite(db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS blocks (
  id                TEXT PRIMARY KEY,
  block_num         INTEGER NOT NULL,
  prev_block_id     TEXT NOT NULL,
  timestamp         TEXT NOT NULL,
  producer          TEXT NOT NULL,
  num_transactions  INTEGER NOT NULL,
  irreversible      INTEGER NOT NULL DEFAULT 0,
  updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS blocks_num_idx ON blocks (block_num);
CREATE INDEX IF NOT EXISTS blocks_irreversible_idx ON blocks (irreversible, block_num);

CREATE TABLE IF NOT EXISTS transactions (
  id            TEXT PRIMARY KEY,
  block_id      TEXT NOT NULL,
  block_num     INTEGER NOT NULL,
  num_actions   INTEGER NOT NULL,
  scheduled     INTEGER NOT NULL DEFAULT 0,
  irreversible  INTEGER NOT NULL DEFAULT 0,
  updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pending_transactions (
  id          TEXT PRIMARY KEY,
  block_num   INTEGER NOT NULL,
  expiration  INTEGER NOT NULL,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS pending_block_num_idx ON pending_transactions (block_num);

CREATE TABLE IF NOT EXISTS actions (
  transaction_id   TEXT NOT NULL,
  origin           TEXT NOT NULL,
  ordinal          INTEGER NOT NULL,
  block_num        INTEGER NOT NULL,
  account          TEXT NOT NULL,
  name             TEXT NOT NULL,
  receiver         TEXT NOT NULL,
  auth             TEXT NOT NULL,
  data             TEXT NOT NULL,
  global_sequence  INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (transaction_id, origin, ordinal)
);
CREATE INDEX IF NOT EXISTS actions_account_name_idx ON actions (account, name);

CREATE TABLE IF NOT EXISTS accounts (
  name        TEXT PRIMARY KEY,
  abi         TEXT,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS account_keys (
  account     TEXT NOT NULL,
  permission  TEXT NOT NULL,
  public_key  TEXT NOT NULL,
  PRIMARY KEY (account, permission, public_key)
);
CREATE INDEX IF NOT EXISTS account_keys_key_idx ON account_keys (public_key);

CREATE TABLE IF NOT EXISTS tokens (
  contract          TEXT NOT NULL,
  symbol            TEXT NOT NULL,
  symbol_precision  INTEGER NOT NULL,
  max_supply        INTEGER NOT NULL,
  issuer            TEXT NOT NULL,
  PRIMARY KEY (contract, symbol)
);

CREATE TABLE IF NOT EXISTS token_movements (
  global_sequence   INTEGER PRIMARY KEY,
  transaction_id    TEXT NOT NULL,
  block_num         INTEGER NOT NULL,
  contract          TEXT NOT NULL,
  symbol            TEXT NOT NULL,
  symbol_precision  INTEGER NOT NULL,
  kind              TEXT NOT NULL,
  sender            TEXT NOT NULL,
  recipient         TEXT NOT NULL,
  amount            INTEGER NOT NULL,
  memo              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS token_movements_sender_idx ON token_movements (sender, contract, symbol);
CREATE INDEX IF NOT EXISTS token_movements_recipient_idx ON token_movements (recipient, contract, symbol);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retry.do(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// get runs a single-row query; ok is false when no row matched.
func (s *SQLiteStore) get(ctx context.Context, op string, dest any, query string, args ...any) (bool, error) {
	found := true
	err := s.retry.do(ctx, op, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, dest, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
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

// UpsertBlock inserts or refreshes a block. The irreversible flag is never lowered.
func (s *SQLiteStore) UpsertBlock(ctx context.Context, b Block) error {
	if b.ID == "" {
		return errors.New("block id required")
	}
	_, err := s.exec(ctx, "upsert block", `
INSERT INTO blocks (id, block_num, prev_block_id, timestamp, producer, num_transactions, irreversible, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  block_num=excluded.block_num,
  prev_block_id=excluded.prev_block_id,
  timestamp=excluded.timestamp,
  producer=excluded.producer,
  num_transactions=excluded.num_transactions,
  irreversible=MAX(blocks.irreversible, excluded.irreversible),
  updated_at=CURRENT_TIMESTAMP;
`, b.ID, b.Number, b.PreviousID, b.Timestamp.UTC().Format(time.RFC3339Nano), b.Producer, b.NumTransactions, b.Irreversible)
	return err
}

// DeleteForkedBlocks removes reversible blocks at number other than keepID.
func (s *SQLiteStore) DeleteForkedBlocks(ctx context.Context, number uint64, keepID string) error {
	_, err := s.exec(ctx, "delete forked blocks", `
DELETE FROM blocks WHERE block_num = ? AND id <> ? AND irreversible = 0;
`, number, keepID)
	return err
}

// MaxIrreversibleHeight returns the highest irreversible block number; ok is false when none exists.
func (s *SQLiteStore) MaxIrreversibleHeight(ctx context.Context) (uint64, bool, error) {
	var height sql.NullInt64
	if _, err := s.get(ctx, "max irreversible height", &height, `
SELECT MAX(block_num) FROM blocks WHERE irreversible = 1;
`); err != nil {
		return 0, false, err
	}
	if !height.Valid || height.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(height.Int64), true, nil
}

// UpsertTransaction inserts or refreshes a transaction. Scheduled and irreversible are never lowered.
func (s *SQLiteStore) UpsertTransaction(ctx context.Context, t Transaction) error {
	if t.ID == "" {
		return errors.New("transaction id required")
	}
	_, err := s.exec(ctx, "upsert transaction", `
INSERT INTO transactions (id, block_id, block_num, num_actions, scheduled, irreversible, updated_at)
VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  block_id=excluded.block_id,
  block_num=excluded.block_num,
  num_actions=excluded.num_actions,
  scheduled=MAX(transactions.scheduled, excluded.scheduled),
  irreversible=MAX(transactions.irreversible, excluded.irreversible),
  updated_at=CURRENT_TIMESTAMP;
`, t.ID, t.BlockID, t.BlockNum, t.NumActions, t.Scheduled, t.Irreversible)
	return err
}

// TransactionIrreversible reports whether the transaction is stored and irreversible.
func (s *SQLiteStore) TransactionIrreversible(ctx context.Context, id string) (bool, error) {
	var irreversible bool
	found, err := s.get(ctx, "transaction irreversible", &irreversible, `
SELECT irreversible FROM transactions WHERE id = ?;
`, id)
	if err != nil || !found {
		return false, err
	}
	return irreversible, nil
}

type sqlitePending struct {
	ID         string `db:"id"`
	BlockNum   uint64 `db:"block_num"`
	Expiration int64  `db:"expiration"`
}

func (p sqlitePending) toPending() Pending {
	out := Pending{ID: p.ID, BlockNum: p.BlockNum}
	if p.Expiration != 0 {
		out.Expiration = time.Unix(p.Expiration, 0).UTC()
	}
	return out
}

// InsertPending records a placeholder; an existing row is left untouched.
func (s *SQLiteStore) InsertPending(ctx context.Context, p Pending) error {
	if p.ID == "" {
		return errors.New("pending id required")
	}
	var exp int64
	if !p.Expiration.IsZero() {
		exp = p.Expiration.Unix()
	}
	_, err := s.exec(ctx, "insert pending", `
INSERT INTO pending_transactions (id, block_num, expiration)
VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, p.ID, p.BlockNum, exp)
	return err
}

// GetPending looks up a placeholder by transaction id.
func (s *SQLiteStore) GetPending(ctx context.Context, id string) (Pending, bool, error) {
	var row sqlitePending
	found, err := s.get(ctx, "get pending", &row, `
SELECT id, block_num, expiration FROM pending_transactions WHERE id = ?;
`, id)
	if err != nil || !found {
		return Pending{}, false, err
	}
	return row.toPending(), true, nil
}

// DeletePending removes a placeholder. Missing rows are not an error.
func (s *SQLiteStore) DeletePending(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "delete pending", `DELETE FROM pending_transactions WHERE id = ?;`, id)
	return err
}

// PrunePending removes placeholders recorded below the given height.
func (s *SQLiteStore) PrunePending(ctx context.Context, below uint64) (int64, error) {
	res, err := s.exec(ctx, "prune pending", `DELETE FROM pending_transactions WHERE block_num < ?;`, below)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListPending returns up to limit placeholders, oldest height first.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]Pending, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sqlitePending
	err := s.retry.do(ctx, "list pending", func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, `
SELECT id, block_num, expiration FROM pending_transactions ORDER BY block_num, id LIMIT ?;
`, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]Pending, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPending())
	}
	return out, nil
}

// UpsertAction writes an action row keyed by (transaction, origin, ordinal).
func (s *SQLiteStore) UpsertAction(ctx context.Context, a Action) error {
	if a.TransactionID == "" || a.Origin == "" {
		return errors.New("action transaction_id and origin required")
	}
	_, err := s.exec(ctx, "upsert action", `
INSERT INTO actions (transaction_id, origin, ordinal, block_num, account, name, receiver, auth, data, global_sequence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transaction_id, origin, ordinal) DO UPDATE SET
  block_num=excluded.block_num,
  account=excluded.account,
  name=excluded.name,
  receiver=excluded.receiver,
  auth=excluded.auth,
  data=excluded.data,
  global_sequence=excluded.global_sequence;
`, a.TransactionID, a.Origin, a.Ordinal, a.BlockNum, a.Account, a.Name, a.Receiver, a.Authorization, a.Data, a.GlobalSequence)
	return err
}

// ListActions returns the actions of a transaction ordered by origin and ordinal.
func (s *SQLiteStore) ListActions(ctx context.Context, transactionID string) ([]Action, error) {
	var out []Action
	err := s.retry.do(ctx, "list actions", func(ctx context.Context) error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, `
SELECT transaction_id, origin, ordinal, block_num, account, name, receiver, auth, data, global_sequence
FROM actions WHERE transaction_id = ? ORDER BY origin, ordinal;
`, transactionID)
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

// UpsertAccount creates the account if absent.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("account name required")
	}
	_, err := s.exec(ctx, "upsert account", `
INSERT INTO accounts (name) VALUES (?)
ON CONFLICT(name) DO NOTHING;
`, name)
	return err
}

// SetAccountABI stores the ABI document for an account, creating the account if needed.
func (s *SQLiteStore) SetAccountABI(ctx context.Context, name, abi string) error {
	if name == "" {
		return errors.New("account name required")
	}
	_, err := s.exec(ctx, "set account abi", `
INSERT INTO accounts (name, abi, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET abi=excluded.abi, updated_at=CURRENT_TIMESTAMP;
`, name, abi)
	return err
}

// AccountABI returns the stored ABI; ok is false when the account or its ABI is missing.
func (s *SQLiteStore) AccountABI(ctx context.Context, name string) (string, bool, error) {
	var abi sql.NullString
	found, err := s.get(ctx, "account abi", &abi, `SELECT abi FROM accounts WHERE name = ?;`, name)
	if err != nil || !found || !abi.Valid || abi.String == "" {
		return "", false, err
	}
	return abi.String, true, nil
}

// AccountExists reports whether the account row is present.
func (s *SQLiteStore) AccountExists(ctx context.Context, name string) (bool, error) {
	var n int
	if _, err := s.get(ctx, "account exists", &n, `SELECT COUNT(1) FROM accounts WHERE name = ?;`, name); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertAccountKey records a permission key; an existing row is left untouched.
func (s *SQLiteStore) UpsertAccountKey(ctx context.Context, k AccountKey) error {
	if k.Account == "" || k.PublicKey == "" {
		return errors.New("account key account and public_key required")
	}
	_, err := s.exec(ctx, "upsert account key", `
INSERT INTO account_keys (account, permission, public_key) VALUES (?, ?, ?)
ON CONFLICT(account, permission, public_key) DO NOTHING;
`, k.Account, k.Permission, k.PublicKey)
	return err
}

// AccountKeys returns the keys recorded for an account.
func (s *SQLiteStore) AccountKeys(ctx context.Context, account string) ([]AccountKey, error) {
	var out []AccountKey
	err := s.retry.do(ctx, "account keys", func(ctx context.Context) error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, `
SELECT account, permission, public_key FROM account_keys WHERE account = ? ORDER BY permission, public_key;
`, account)
	})
	if err != nil {
		return nil, fmt.Errorf("account keys: %w", err)
	}
	return out, nil
}

// UpsertToken registers a token. A later create for the same symbol refreshes it.
func (s *SQLiteStore) UpsertToken(ctx context.Context, t Token) error {
	if t.Contract == "" || t.Symbol == "" {
		return errors.New("token contract and symbol required")
	}
	_, err := s.exec(ctx, "upsert token", `
INSERT INTO tokens (contract, symbol, symbol_precision, max_supply, issuer)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(contract, symbol) DO UPDATE SET
  symbol_precision=excluded.symbol_precision,
  max_supply=excluded.max_supply,
  issuer=excluded.issuer;
`, t.Contract, t.Symbol, t.Precision, t.MaxSupply, t.Issuer)
	return err
}

// GetToken looks up a registered token.
func (s *SQLiteStore) GetToken(ctx context.Context, contract, symbol string) (Token, bool, error) {
	var t Token
	found, err := s.get(ctx, "get token", &t, `
SELECT contract, symbol, symbol_precision, max_supply, issuer FROM tokens WHERE contract = ? AND symbol = ?;
`, contract, symbol)
	if err != nil || !found {
		return Token{}, false, err
	}
	return t, true, nil
}

// RecordTokenMovement stores a movement once per global sequence.
func (s *SQLiteStore) RecordTokenMovement(ctx context.Context, m TokenMovement) error {
	if m.GlobalSequence == 0 {
		return errors.New("token movement global_sequence required")
	}
	_, err := s.exec(ctx, "record token movement", `
INSERT INTO token_movements (global_sequence, transaction_id, block_num, contract, symbol, symbol_precision, kind, sender, recipient, amount, memo)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(global_sequence) DO NOTHING;
`, m.GlobalSequence, m.TransactionID, m.BlockNum, m.Contract, m.Symbol, m.Precision, m.Kind, m.From, m.To, m.Amount, m.Memo)
	return err
}

// TokenBalances sums an account's incoming and outgoing movements per token.
func (s *SQLiteStore) TokenBalances(ctx context.Context, account string) ([]Balance, error) {
	var out []Balance
	err := s.retry.do(ctx, "token balances", func(ctx context.Context) error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, `
SELECT contract, symbol, MAX(symbol_precision) AS symbol_precision, SUM(delta) AS amount FROM (
  SELECT contract, symbol, symbol_precision, amount AS delta FROM token_movements WHERE recipient = ?
  UNION ALL
  SELECT contract, symbol, symbol_precision, -amount AS delta FROM token_movements WHERE sender = ?
)
GROUP BY contract, symbol
ORDER BY contract, symbol;
`, account, account)
	})
	if err != nil {
		return nil, fmt.Errorf("token balances: %w", err)
	}
	return out, nil
}

// TokenSupply sums every issue of a token.
func (s *SQLiteStore) TokenSupply(ctx context.Context, contract, symbol string) (int64, error) {
	var supply int64
	_, err := s.get(ctx, "token supply", &supply, `
SELECT COALESCE(SUM(amount), 0) FROM token_movements WHERE contract = ? AND symbol = ? AND kind = ?;
`, contract, symbol, MovementIssue)
	return supply, err
}

// Counts summarizes table sizes.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	_, err := s.get(ctx, "counts", &c, `
SELECT
  (SELECT COUNT(1) FROM blocks) AS blocks,
  (SELECT COUNT(1) FROM blocks WHERE irreversible = 1) AS irreversible_blocks,
  (SELECT COUNT(1) FROM transactions) AS transactions,
  (SELECT COUNT(1) FROM actions) AS actions,
  (SELECT COUNT(1) FROM pending_transactions) AS pending,
  (SELECT COUNT(1) FROM accounts) AS accounts,
  (SELECT COUNT(1) FROM tokens) AS tokens,
  (SELECT COUNT(1) FROM token_movements) AS token_movements;
`)
	return c, err
}
