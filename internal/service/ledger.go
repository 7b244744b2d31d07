package service

import (
	"context"
	"time"

	"actcredits/internal/model"
)

// LedgerService defines the business operations for the credit ledger.
// All transport layers (HTTP, gRPC, NATS, webhooks) depend on this interface,
// never on the store directly.
type LedgerService interface {
	Credit(ctx context.Context, req model.CreditRequest) (*model.MutationResult, error)
	Debit(ctx context.Context, req model.DebitRequest) (*model.DebitResult, error)
	ExpireSubscription(ctx context.Context, accountID string) (*model.MutationResult, error)
	Renew(ctx context.Context, req model.RenewRequest) (*model.MutationResult, error)
	Cancel(ctx context.Context, req model.CancelRequest) (*model.Account, error)
	Reactivate(ctx context.Context, accountID string, occurredAt time.Time) (*model.Account, error)
	LinkCustomer(ctx context.Context, accountID, customerID, subscriptionID string) (*model.Account, error)
	SweepExpired(ctx context.Context) (*model.SweepResult, error)

	EnsureAccount(ctx context.Context, accountID, email string) (*model.Account, error)
	GrantWelcomeBonus(ctx context.Context, accountID, email string) (*model.MutationResult, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	AccountByCustomer(ctx context.Context, customerID string) (*model.Account, error)
	GetBalance(ctx context.Context, accountID string) (model.Balances, error)
	GetCredits(ctx context.Context, accountID string, limit int) (*model.CreditSummary, error)
	SubscriptionStatus(ctx context.Context, accountID string) (*model.SubscriptionStatus, error)
	Plans() model.Catalog
}

// BalanceCache is the read-through cache in front of GetBalance. Versions are
// account row versions: a fill older than the last invalidation is dropped.
type BalanceCache interface {
	GetBalances(ctx context.Context, accountID string) (model.Balances, error)
	SetBalances(ctx context.Context, accountID string, b model.Balances, version int64) error
	Invalidate(ctx context.Context, accountID string, version int64) error
}
