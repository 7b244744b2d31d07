package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actcredits/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const accountColumns = `id, email, subscription_credits, recharge_credits, total_credits,
	subscription_state, plan_id, period_start, period_end, stripe_customer_id,
	stripe_subscription_id, last_event_at, version, created_at, updated_at`

const entryColumns = `id, account_id, kind, delta, subscription_before, recharge_before,
	total_before, subscription_after, recharge_after, total_after, description,
	reference_id, created_at`

// LedgerRepo is the PostgreSQL store. Mutations lock the account row with
// SELECT ... FOR UPDATE and check the row version on write.
type LedgerRepo struct {
	dbPool *pgxpool.Pool
}

func NewLedgerRepo(db *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{dbPool: db}
}

func (r *LedgerRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.dbPool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *LedgerRepo) CreateAccount(ctx context.Context, acct *model.Account) error {
	query := `INSERT INTO accounts (id, email, subscription_credits, recharge_credits, total_credits,
		subscription_state, plan_id, period_start, period_end, stripe_customer_id,
		stripe_subscription_id, last_event_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`
	_, err := r.dbPool.Exec(ctx, query,
		acct.ID, acct.Email, acct.SubscriptionCredits, acct.RechargeCredits, acct.TotalCredits,
		string(acct.State), acct.PlanID, acct.PeriodStart, acct.PeriodEnd, acct.StripeCustomerID,
		acct.StripeSubscriptionID, acct.LastEventAt, acct.Version, acct.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *LedgerRepo) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	row := r.dbPool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

func (r *LedgerRepo) AccountByCustomer(ctx context.Context, customerID string) (*model.Account, error) {
	if customerID == "" {
		return nil, model.ErrAccountNotFound
	}
	row := r.dbPool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE stripe_customer_id = $1 ORDER BY created_at LIMIT 1`, customerID)
	return scanAccount(row)
}

func (r *LedgerRepo) EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error) {
	return entryByReference(ctx, r.dbPool, referenceID)
}

func (r *LedgerRepo) ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.dbPool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 ORDER BY created_at DESC, id LIMIT $2`, accountID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *LedgerRepo) Totals(ctx context.Context, accountID string) (int64, int64, error) {
	var earned, spent int64
	err := r.dbPool.QueryRow(ctx, `SELECT
		COALESCE(SUM(CASE WHEN kind IN ('bonus', 'purchase', 'subscription_purchase', 'subscription_renewal') AND delta > 0 THEN delta ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN kind = 'consumption' THEN -delta ELSE 0 END), 0)
		FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&earned, &spent)
	if err != nil {
		return 0, 0, fmt.Errorf("sum entries: %w", err)
	}
	return earned, spent, nil
}

func (r *LedgerRepo) Ping(ctx context.Context) error {
	return r.dbPool.Ping(ctx)
}

func (r *LedgerRepo) Close() {
	r.dbPool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*model.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	return scanAccount(row)
}

func (t *pgTx) ClaimExpired(ctx context.Context, now time.Time, skip []string) (*model.Account, error) {
	if skip == nil {
		skip = []string{}
	}
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE subscription_credits > 0
		  AND ((subscription_state = 'cancelled' AND (period_end IS NULL OR period_end <= $1))
		       OR subscription_state = 'expired')
		  AND id <> ALL($2::text[])
		ORDER BY period_end NULLS FIRST, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now, skip)
	acct, err := scanAccount(row)
	if errors.Is(err, model.ErrAccountNotFound) {
		return nil, nil
	}
	return acct, err
}

func (t *pgTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET
		email = $3, subscription_credits = $4, recharge_credits = $5, total_credits = $6,
		subscription_state = $7, plan_id = $8, period_start = $9, period_end = $10,
		stripe_customer_id = $11, stripe_subscription_id = $12, last_event_at = $13,
		version = version + 1, updated_at = $14
		WHERE id = $1 AND version = $2`,
		acct.ID, acct.Version, acct.Email, acct.SubscriptionCredits, acct.RechargeCredits,
		acct.TotalCredits, string(acct.State), acct.PlanID, acct.PeriodStart, acct.PeriodEnd,
		acct.StripeCustomerID, acct.StripeSubscriptionID, acct.LastEventAt, now,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", model.ErrConcurrentUpdate, acct.ID, acct.Version)
	}
	acct.Version++
	acct.UpdatedAt = now
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.AccountID, string(e.Kind), e.Delta,
		e.Before.Subscription, e.Before.Recharge, e.Before.Total,
		e.After.Subscription, e.After.Recharge, e.After.Total,
		e.Description, e.ReferenceID, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reference %s", model.ErrDuplicateEvent, e.ReferenceID)
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (t *pgTx) EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error) {
	return entryByReference(ctx, t.tx, referenceID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func entryByReference(ctx context.Context, q querier, referenceID string) (*model.LedgerEntry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1`, referenceID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var state string
	err := row.Scan(&a.ID, &a.Email, &a.SubscriptionCredits, &a.RechargeCredits, &a.TotalCredits,
		&state, &a.PlanID, &a.PeriodStart, &a.PeriodEnd, &a.StripeCustomerID,
		&a.StripeSubscriptionID, &a.LastEventAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.State = model.SubscriptionState(state)
	return &a, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind string
	err := row.Scan(&e.ID, &e.AccountID, &kind, &e.Delta,
		&e.Before.Subscription, &e.Before.Recharge, &e.Before.Total,
		&e.After.Subscription, &e.After.Recharge, &e.After.Total,
		&e.Description, &e.ReferenceID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = model.EntryKind(kind)
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
