package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"actcredits/internal/ledger"
	"actcredits/internal/metrics"
	"actcredits/internal/model"
	"actcredits/internal/repository"

	"github.com/cenkalti/backoff/v4"
)

// WelcomeBonus is the number of recharge credits every new account receives once.
const WelcomeBonus int64 = 50

const maxConflictRetries = 3

// Ledger is the only component that writes account rows or ledger entries.
type Ledger struct {
	store   repository.Store
	bus     repository.MessageBus
	cache   BalanceCache
	metrics *metrics.Metrics
	catalog model.Catalog
	now     func() time.Time
	// sweepLimit bounds the accounts expired by one SweepExpired call; zero means no bound.
	sweepLimit int
}

func NewLedger(store repository.Store, bus repository.MessageBus, cache BalanceCache, m *metrics.Metrics, catalog model.Catalog) *Ledger {
	if bus == nil {
		bus = repository.NopBus{}
	}
	if cache == nil {
		cache = repository.NopCache{}
	}
	return &Ledger{
		store:   store,
		bus:     bus,
		cache:   cache,
		metrics: m,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to move past period ends.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetSweepLimit caps the number of accounts one sweep run expires.
func (l *Ledger) SetSweepLimit(n int) {
	l.sweepLimit = n
}

func (l *Ledger) Plans() model.Catalog {
	return l.catalog
}

// transition mutates a locked account. It returns the entry to append, or nil
// together with save=true for a state-only change.
type transition func(acct *model.Account, now time.Time) (entry *model.LedgerEntry, save bool, err error)

// replayOf checks that existing, the entry already stored under a
// reference, records the same operation on the same account. Anything else
// is a reference collision and must not be treated as a replay.
func replayOf(existing *model.LedgerEntry, accountID string, kinds []model.EntryKind) error {
	if existing.AccountID != accountID {
		return fmt.Errorf("%w: %s belongs to another account", model.ErrReferenceConflict, existing.ReferenceID)
	}
	if len(kinds) > 0 && !slices.Contains(kinds, existing.Kind) {
		return fmt.Errorf("%w: %s was recorded as %s", model.ErrReferenceConflict, existing.ReferenceID, existing.Kind)
	}
	return nil
}

// mutate runs fn against the locked account inside one transaction. A known
// reference short-circuits to the stored entry with Duplicate set, both when
// found up front and when the unique index rejects a concurrent insert. The
// stored entry must belong to accountID and carry one of kinds.
func (l *Ledger) mutate(ctx context.Context, op, accountID, ref string, kinds []model.EntryKind, fn transition) (*model.MutationResult, *model.Account, error) {
	var res model.MutationResult
	var acct *model.Account

	attempt := func() error {
		res = model.MutationResult{}
		err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			acct, err = tx.LockAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if ref != "" {
				existing, err := tx.EntryByReference(ctx, ref)
				if err != nil {
					return err
				}
				if existing != nil {
					if err := replayOf(existing, accountID, kinds); err != nil {
						return err
					}
					res.Entry = existing
					res.Balances = acct.Balances()
					res.Duplicate = true
					return nil
				}
			}

			entry, save, err := fn(acct, l.now())
			if err != nil {
				return err
			}
			if entry != nil || save {
				if err := tx.SaveAccount(ctx, acct); err != nil {
					return err
				}
			}
			if entry != nil {
				if err := tx.InsertEntry(ctx, entry); err != nil {
					return err
				}
			}
			res.Entry = entry
			res.Balances = acct.Balances()
			return nil
		})
		if errors.Is(err, model.ErrConcurrentUpdate) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, maxConflictRetries), ctx))

	if errors.Is(err, model.ErrDuplicateEvent) && ref != "" {
		existing, lookupErr := l.store.EntryByReference(ctx, ref)
		if lookupErr != nil {
			return nil, nil, fmt.Errorf("load duplicate entry: %w", lookupErr)
		}
		if existing != nil {
			if err := replayOf(existing, accountID, kinds); err != nil {
				l.metrics.LedgerOp(op, "error")
				return nil, nil, err
			}
			l.metrics.LedgerOp(op, "duplicate")
			return &model.MutationResult{Entry: existing, Balances: existing.After, Duplicate: true}, nil, nil
		}
	}
	if err != nil {
		l.metrics.LedgerOp(op, "error")
		return nil, nil, err
	}

	if res.Duplicate {
		l.metrics.LedgerOp(op, "duplicate")
		slog.Info("ledger: duplicate reference ignored", "op", op, "account_id", accountID, "reference_id", ref)
		return &res, acct, nil
	}
	l.metrics.LedgerOp(op, "ok")
	l.afterCommit(ctx, acct, res.Entry)
	return &res, acct, nil
}

// afterCommit drops the cached balance and announces the entry. Neither step
// can undo the commit, so failures are only logged. acct carries the version
// just written, which fences off older cache fills still in flight.
func (l *Ledger) afterCommit(ctx context.Context, acct *model.Account, entry *model.LedgerEntry) {
	if entry == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, acct.ID, acct.Version); err != nil {
		slog.Warn("ledger: cache invalidation failed", "account_id", acct.ID, "error", err)
	}
	l.metrics.CreditsMoved(string(entry.Kind), entry.Delta)

	payload, err := json.Marshal(model.EventFromEntry(entry))
	if err != nil {
		slog.Error("ledger: marshal entry event", "entry_id", entry.ID, "error", err)
		return
	}
	if err := l.bus.Publish(repository.TopicEntryCreated, payload); err != nil {
		slog.Error("ledger: publish entry event", "entry_id", entry.ID, "error", err)
	}
}

func (l *Ledger) Credit(ctx context.Context, req model.CreditRequest) (*model.MutationResult, error) {
	res, _, err := l.mutate(ctx, "credit", req.AccountID, req.ReferenceID, []model.EntryKind{req.Kind}, func(acct *model.Account, now time.Time) (*model.LedgerEntry, bool, error) {
		e, err := ledger.Credit(acct, req, now)
		return e, false, err
	})
	return res, err
}

func (l *Ledger) Debit(ctx context.Context, req model.DebitRequest) (*model.DebitResult, error) {
	ref := ledger.ConsumeReference(req.AccountID, req.ReferenceID)
	res, _, err := l.mutate(ctx, "debit", req.AccountID, ref, []model.EntryKind{model.KindConsumption}, func(acct *model.Account, now time.Time) (*model.LedgerEntry, bool, error) {
		e, _, _, err := ledger.Debit(acct, req, now)
		return e, false, err
	})
	if err != nil {
		return nil, err
	}
	out := &model.DebitResult{MutationResult: *res}
	if res.Entry != nil {
		out.SubscriptionConsumed = res.Entry.Before.Subscription - res.Entry.After.Subscription
		out.RechargeConsumed = res.Entry.Before.Recharge - res.Entry.After.Recharge
	}
	return out, nil
}

// ExpireSubscription zeroes the subscription credits of one account whose
// cancelled period has ended.
func (l *Ledger) ExpireSubscription(ctx context.Context, accountID string) (*model.MutationResult, error) {
	res, _, err := l.mutate(ctx, "expire", accountID, "", nil, func(acct *model.Account, now time.Time) (*model.LedgerEntry, bool, error) {
		e, err := ledger.Expire(acct, now)
		return e, false, err
	})
	return res, err
}

// Renew grants subscription credits for a period. When only a plan is given
// the credits and period come from the catalogue.
func (l *Ledger) Renew(ctx context.Context, req model.RenewRequest) (*model.MutationResult, error) {
	if req.PlanID != "" && (req.Credits == 0 || req.PeriodEnd.IsZero()) {
		plan, err := l.catalog.Lookup(req.PlanID)
		if err != nil {
			return nil, err
		}
		if req.Credits == 0 {
			req.Credits = plan.Credits
		}
		if req.PeriodEnd.IsZero() {
			req.PeriodEnd = plan.PeriodEnd(l.now())
		}
	}
	if req.PeriodEnd.IsZero() {
		return nil, fmt.Errorf("%w: renewal needs a period end or a plan", model.ErrInvalidAmount)
	}
	grants := []model.EntryKind{model.KindSubscriptionPurchase, model.KindSubscriptionRenewal}
	res, _, err := l.mutate(ctx, "renew", req.AccountID, req.ReferenceID, grants, func(acct *model.Account, now time.Time) (*model.LedgerEntry, bool, error) {
		e, err := ledger.Renew(acct, req, now)
		return e, false, err
	})
	return res, err
}

func (l *Ledger) Cancel(ctx context.Context, req model.CancelRequest) (*model.Account, error) {
	_, acct, err := l.mutate(ctx, "cancel", req.AccountID, "", nil, func(acct *model.Account, _ time.Time) (*model.LedgerEntry, bool, error) {
		return nil, ledger.Cancel(acct, req), nil
	})
	return acct, err
}

func (l *Ledger) Reactivate(ctx context.Context, accountID string, occurredAt time.Time) (*model.Account, error) {
	_, acct, err := l.mutate(ctx, "reactivate", accountID, "", nil, func(acct *model.Account, now time.Time) (*model.LedgerEntry, bool, error) {
		return nil, ledger.Reactivate(acct, occurredAt, now), nil
	})
	return acct, err
}

func (l *Ledger) LinkCustomer(ctx context.Context, accountID, customerID, subscriptionID string) (*model.Account, error) {
	_, acct, err := l.mutate(ctx, "link", accountID, "", nil, func(acct *model.Account, _ time.Time) (*model.LedgerEntry, bool, error) {
		return nil, ledger.Link(acct, customerID, subscriptionID), nil
	})
	return acct, err
}

// SweepExpired claims due accounts one transaction at a time until none are
// left. Rows held by a concurrent sweep or webhook are skipped, and each claim
// re-checks eligibility under the lock, so every account is zeroed once. An
// account whose expiry fails is reported in Failed and skipped for the rest
// of the run.
func (l *Ledger) SweepExpired(ctx context.Context) (*model.SweepResult, error) {
	start := time.Now()
	result := &model.SweepResult{}
	defer func() {
		l.metrics.SweepFinished(result.Expired, time.Since(start))
	}()

	for l.sweepLimit <= 0 || result.Expired < l.sweepLimit {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var claimed *model.Account
		var entry *model.LedgerEntry
		now := l.now()
		err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			acct, err := tx.ClaimExpired(ctx, now, result.Failed)
			if err != nil || acct == nil {
				return err
			}
			claimed = acct
			entry, err = ledger.Expire(acct, now)
			if err != nil {
				return err
			}
			if err := tx.SaveAccount(ctx, acct); err != nil {
				return err
			}
			return tx.InsertEntry(ctx, entry)
		})
		if err != nil {
			if claimed == nil {
				l.metrics.LedgerOp("sweep", "error")
				return result, fmt.Errorf("claim expired account: %w", err)
			}
			result.Scanned++
			result.Failed = append(result.Failed, claimed.ID)
			l.metrics.LedgerOp("sweep", "error")
			slog.Error("sweep: expiry failed", "account_id", claimed.ID, "error", err)
			continue
		}
		if claimed == nil {
			break
		}
		result.Scanned++
		result.Expired++
		result.Cleared += -entry.Delta
		l.metrics.LedgerOp("sweep", "ok")
		l.afterCommit(ctx, claimed, entry)
		slog.Info("sweep: subscription expired",
			"account_id", claimed.ID,
			"cleared", -entry.Delta,
			"reference_id", entry.ReferenceID,
		)
	}
	return result, nil
}

// EnsureAccount returns the account, creating an empty one on first sight.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID, email string) (*model.Account, error) {
	if accountID == "" {
		return nil, model.ErrAccountNotFound
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, model.ErrAccountNotFound) {
		return nil, err
	}

	now := l.now()
	acct = &model.Account{
		ID:        accountID,
		Email:     email,
		State:     model.StateNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, model.ErrAccountExists) {
			return l.store.GetAccount(ctx, accountID)
		}
		return nil, err
	}
	slog.Info("ledger: account created", "account_id", accountID)
	return acct, nil
}

// GrantWelcomeBonus credits the signup bonus once per account.
func (l *Ledger) GrantWelcomeBonus(ctx context.Context, accountID, email string) (*model.MutationResult, error) {
	if _, err := l.EnsureAccount(ctx, accountID, email); err != nil {
		return nil, err
	}
	return l.Credit(ctx, model.CreditRequest{
		AccountID:   accountID,
		Amount:      WelcomeBonus,
		Kind:        model.KindBonus,
		ReferenceID: "signup_bonus:" + accountID,
		Description: "welcome bonus",
	})
}

func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

func (l *Ledger) AccountByCustomer(ctx context.Context, customerID string) (*model.Account, error) {
	return l.store.AccountByCustomer(ctx, customerID)
}

// GetBalance serves from the cache when possible and fills it on a miss. The
// fill carries the row version, so a read that raced a mutation cannot
// overwrite the newer state.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (model.Balances, error) {
	b, err := l.cache.GetBalances(ctx, accountID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		slog.Warn("ledger: cache read failed", "account_id", accountID, "error", err)
	}

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return model.Balances{}, err
	}
	if err := l.cache.SetBalances(ctx, accountID, acct.Balances(), acct.Version); err != nil {
		slog.Warn("ledger: cache fill failed", "account_id", accountID, "error", err)
	}
	return acct.Balances(), nil
}

func (l *Ledger) GetCredits(ctx context.Context, accountID string, limit int) (*model.CreditSummary, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListEntries(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	earned, spent, err := l.store.Totals(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return &model.CreditSummary{
		AccountID:   accountID,
		Balances:    acct.Balances(),
		TotalEarned: earned,
		TotalSpent:  spent,
		Entries:     entries,
	}, nil
}

func (l *Ledger) SubscriptionStatus(ctx context.Context, accountID string) (*model.SubscriptionStatus, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st := model.StatusOf(acct, l.now())
	return &st, nil
}
