package repository

import (
	"context"
	"time"

	"actcredits/internal/model"
)

// Tx is the view of the store inside one account-scoped transaction.
// Rows returned by LockAccount and ClaimExpired stay locked until the
// transaction ends.
type Tx interface {
	LockAccount(ctx context.Context, accountID string) (*model.Account, error)
	// ClaimExpired locks one account due for expiry, skipping rows other
	// transactions hold and the ids in skip. It returns nil when nothing is due.
	ClaimExpired(ctx context.Context, now time.Time, skip []string) (*model.Account, error)
	// SaveAccount writes acct if its version is unchanged and bumps the version.
	SaveAccount(ctx context.Context, acct *model.Account) error
	// InsertEntry appends e. A reused reference id yields model.ErrDuplicateEvent.
	InsertEntry(ctx context.Context, e *model.LedgerEntry) error
	EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error)
}

// Store persists accounts and the ledger.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	CreateAccount(ctx context.Context, acct *model.Account) error
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	// AccountByCustomer resolves the processor's customer id to an account.
	AccountByCustomer(ctx context.Context, customerID string) (*model.Account, error)
	EntryByReference(ctx context.Context, referenceID string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	// Totals sums granted (bonus, purchase, subscription grants) and consumed credits.
	Totals(ctx context.Context, accountID string) (earned, spent int64, err error)
	Ping(ctx context.Context) error
	Close()
}

const defaultListLimit = 10

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
