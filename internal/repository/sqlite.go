package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"actcredits/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteRepo is a single-node store for local runs and tests. SQLite has no
// row locks; the pool is limited to one connection so every transaction is
// serialised, which gives the same per-account guarantees as FOR UPDATE.
type SQLiteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens (or creates) the database at path and applies the schema.
func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteRepo{db: db}
	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRepo) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	subscription_credits INTEGER NOT NULL DEFAULT 0 CHECK (subscription_credits >= 0),
	recharge_credits INTEGER NOT NULL DEFAULT 0 CHECK (recharge_credits >= 0),
	total_credits INTEGER NOT NULL DEFAULT 0,
	subscription_state TEXT NOT NULL DEFAULT 'none'
		CHECK (subscription_state IN ('none','active','cancelled','expired')),
	plan_id TEXT NOT NULL DEFAULT '',
	period_start INTEGER,
	period_end INTEGER,
	stripe_customer_id TEXT NOT NULL DEFAULT '',
	stripe_subscription_id TEXT NOT NULL DEFAULT '',
	last_event_at INTEGER,
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	CHECK (total_credits = subscription_credits + recharge_credits)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	delta INTEGER NOT NULL,
	subscription_before INTEGER NOT NULL,
	recharge_before INTEGER NOT NULL,
	total_before INTEGER NOT NULL,
	subscription_after INTEGER NOT NULL,
	recharge_after INTEGER NOT NULL,
	total_after INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reference_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	CHECK (delta = total_after - total_before)
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_reference_idx ON ledger_entries(reference_id);
CREATE INDEX IF NOT EXISTS ledger_entries_account_created_idx ON ledger_entries(account_id, created_at DESC);
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteRepo) CreateAccount(ctx context.Context, acct *model.Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (id, email, subscription_credits, recharge_credits,
		total_credits, subscription_state, plan_id, period_start, period_end, stripe_customer_id,
		stripe_subscription_id, last_event_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Email, acct.SubscriptionCredits, acct.RechargeCredits, acct.TotalCredits,
		string(acct.State), acct.PlanID, toMillis(acct.PeriodStart), toMillis(acct.PeriodEnd),
		acct.StripeCustomerID, acct.StripeSubscriptionID, toMillis(acct.LastEventAt), acct.Version,
		acct.CreatedAt.UnixMilli(), acct.CreatedAt.UnixMilli(),
	)
	if isSQLiteUnique(err) {
		return model.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *SQLiteRepo) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
}

func (s *SQLiteRepo) AccountByCustomer(ctx context.Context, customerID string) (*model.Account, error) {
	if customerID == "" {
		return nil, model.ErrAccountNotFound
	}
	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE stripe_customer_id = ? ORDER BY created_at LIMIT 1`, customerID))
}

func (s *SQLiteRepo) EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error) {
	return sqliteEntryByReference(ctx, s.db, referenceID)
}

func (s *SQLiteRepo) ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, accountID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *SQLiteRepo) Totals(ctx context.Context, accountID string) (int64, int64, error) {
	var earned, spent int64
	err := s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN kind IN ('bonus','purchase','subscription_purchase','subscription_renewal') AND delta > 0 THEN delta ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN kind = 'consumption' THEN -delta ELSE 0 END), 0)
		FROM ledger_entries WHERE account_id = ?`, accountID).Scan(&earned, &spent)
	if err != nil {
		return 0, 0, fmt.Errorf("sum entries: %w", err)
	}
	return earned, spent, nil
}

func (s *SQLiteRepo) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRepo) Close() {
	_ = s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return scanSQLiteAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
}

func (t *sqliteTx) ClaimExpired(ctx context.Context, now time.Time, skip []string) (*model.Account, error) {
	args := []any{now.UnixMilli()}
	exclude := ""
	if len(skip) > 0 {
		exclude = "AND id NOT IN (?" + strings.Repeat(", ?", len(skip)-1) + ")"
		for _, id := range skip {
			args = append(args, id)
		}
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE subscription_credits > 0
		  AND ((subscription_state = 'cancelled' AND (period_end IS NULL OR period_end <= ?))
		       OR subscription_state = 'expired')
		  `+exclude+`
		ORDER BY period_end, id
		LIMIT 1`, args...)
	acct, err := scanSQLiteAccount(row)
	if errors.Is(err, model.ErrAccountNotFound) {
		return nil, nil
	}
	return acct, err
}

func (t *sqliteTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `UPDATE accounts SET
		email = ?, subscription_credits = ?, recharge_credits = ?, total_credits = ?,
		subscription_state = ?, plan_id = ?, period_start = ?, period_end = ?,
		stripe_customer_id = ?, stripe_subscription_id = ?, last_event_at = ?,
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		acct.Email, acct.SubscriptionCredits, acct.RechargeCredits, acct.TotalCredits,
		string(acct.State), acct.PlanID, toMillis(acct.PeriodStart), toMillis(acct.PeriodEnd),
		acct.StripeCustomerID, acct.StripeSubscriptionID, toMillis(acct.LastEventAt),
		now.UnixMilli(), acct.ID, acct.Version,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", model.ErrConcurrentUpdate, acct.ID, acct.Version)
	}
	acct.Version++
	acct.UpdatedAt = now
	return nil
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Kind), e.Delta,
		e.Before.Subscription, e.Before.Recharge, e.Before.Total,
		e.After.Subscription, e.After.Recharge, e.After.Total,
		e.Description, e.ReferenceID, e.CreatedAt.UnixMilli(),
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: reference %s", model.ErrDuplicateEvent, e.ReferenceID)
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error) {
	return sqliteEntryByReference(ctx, t.tx, referenceID)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func sqliteEntryByReference(ctx context.Context, q sqlQuerier, referenceID string) (*model.LedgerEntry, error) {
	e, err := scanSQLiteEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = ?`, referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanSQLiteAccount(row sqlScanner) (*model.Account, error) {
	var a model.Account
	var state string
	var periodStart, periodEnd, lastEvent sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.Email, &a.SubscriptionCredits, &a.RechargeCredits, &a.TotalCredits,
		&state, &a.PlanID, &periodStart, &periodEnd, &a.StripeCustomerID,
		&a.StripeSubscriptionID, &lastEvent, &a.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.State = model.SubscriptionState(state)
	a.PeriodStart = fromMillis(periodStart)
	a.PeriodEnd = fromMillis(periodEnd)
	a.LastEventAt = fromMillis(lastEvent)
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return &a, nil
}

func scanSQLiteEntry(row sqlScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind string
	var created int64
	err := row.Scan(&e.ID, &e.AccountID, &kind, &e.Delta,
		&e.Before.Subscription, &e.Before.Recharge, &e.Before.Total,
		&e.After.Subscription, &e.After.Recharge, &e.After.Total,
		&e.Description, &e.ReferenceID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = model.EntryKind(kind)
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func isSQLiteUnique(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqlErr.Error(), "UNIQUE")
}
