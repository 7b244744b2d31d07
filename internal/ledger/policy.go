// Package ledger holds the balance transitions of the credit ledger.
//
// Every function here is a pure step from (account, request, now) to a new
// account state plus the entry that records it. Callers are expected to run
// them while holding the account's row lock and to persist both results in
// the same transaction.
package ledger

import (
	"fmt"
	"time"

	"actcredits/internal/model"

	"github.com/google/uuid"
)

// Split applies the subscription-first consumption policy.
func Split(b model.Balances, requested int64) (fromSubscription, fromRecharge int64, err error) {
	if requested <= 0 {
		return 0, 0, model.ErrInvalidAmount
	}
	if requested > b.Total {
		return 0, 0, fmt.Errorf("%w: requested %d, available %d", model.ErrInsufficientCredits, requested, b.Total)
	}
	fromSubscription = min(requested, b.Subscription)
	fromRecharge = requested - fromSubscription
	return fromSubscription, fromRecharge, nil
}

// Credit adds amount to the balance selected by kind.
func Credit(acct *model.Account, req model.CreditRequest, now time.Time) (*model.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	switch req.Kind {
	case model.KindBonus, model.KindPurchase, model.KindRefund,
		model.KindSubscriptionPurchase, model.KindSubscriptionRenewal:
	default:
		return nil, fmt.Errorf("%w: %q cannot be credited", model.ErrInvalidKind, req.Kind)
	}

	before := acct.Balances()
	if req.Kind.Subscription() {
		acct.SetBalances(acct.SubscriptionCredits+req.Amount, acct.RechargeCredits)
	} else {
		acct.SetBalances(acct.SubscriptionCredits, acct.RechargeCredits+req.Amount)
	}
	desc := req.Description
	if desc == "" {
		desc = string(req.Kind)
	}
	return newEntry(acct, req.Kind, before, desc, req.ReferenceID, now), nil
}

// Debit consumes amount, drawing subscription credits before recharge credits.
// On error the account is left untouched.
func Debit(acct *model.Account, req model.DebitRequest, now time.Time) (*model.LedgerEntry, int64, int64, error) {
	fromSub, fromRecharge, err := Split(acct.Balances(), req.Amount)
	if err != nil {
		return nil, 0, 0, err
	}
	before := acct.Balances()
	acct.SetBalances(acct.SubscriptionCredits-fromSub, acct.RechargeCredits-fromRecharge)

	ref := ConsumeReference(acct.ID, req.ReferenceID)
	if ref == "" {
		ref = ConsumeReference(acct.ID, uuid.NewString())
	}
	desc := req.Description
	if desc == "" {
		desc = "credit consumption"
	}
	return newEntry(acct, model.KindConsumption, before, desc, ref, now), fromSub, fromRecharge, nil
}

// ConsumeReference scopes a caller-supplied consumption reference to the
// account, so one account's reference can never match another's entry.
func ConsumeReference(accountID, ref string) string {
	if ref == "" {
		return ""
	}
	return "consume:" + accountID + ":" + ref
}

// ExpiryEligible reports whether the sweep may zero acct's subscription credits.
// A cancelled subscription qualifies once its period has ended; an account
// already marked expired qualifies whenever it still carries subscription credits.
func ExpiryEligible(acct *model.Account, now time.Time) bool {
	if acct.SubscriptionCredits <= 0 {
		return false
	}
	switch acct.State {
	case model.StateCancelled:
		return acct.PeriodEnded(now)
	case model.StateExpired:
		return true
	}
	return false
}

// ExpiryReference is the idempotency key of the expiry entry for acct's
// current state. Including the version keeps a later, legitimate expiry of
// the same period distinct.
func ExpiryReference(acct *model.Account) string {
	var end int64
	if acct.PeriodEnd != nil {
		end = acct.PeriodEnd.Unix()
	}
	return fmt.Sprintf("expiry:%s:%d:%d", acct.ID, end, acct.Version)
}

// Expire zeroes subscription credits and marks the subscription expired.
func Expire(acct *model.Account, now time.Time) (*model.LedgerEntry, error) {
	if !ExpiryEligible(acct, now) {
		return nil, fmt.Errorf("%w: state=%s subscription_credits=%d", model.ErrNotEligibleForExpiry, acct.State, acct.SubscriptionCredits)
	}
	ref := ExpiryReference(acct)
	before := acct.Balances()
	acct.SetBalances(0, acct.RechargeCredits)
	acct.State = model.StateExpired
	return newEntry(acct, model.KindSubscriptionExpiry, before, "subscription period ended", ref, now), nil
}

// Renew grants a period's subscription credits.
//
// When the previous period has ended the grant replaces whatever subscription
// credits were left; within a running period (an upgrade or a re-subscribe
// before expiry) it accumulates. A stale grant still credits the account but
// does not override a newer lifecycle state.
func Renew(acct *model.Account, req model.RenewRequest, now time.Time) (*model.LedgerEntry, error) {
	if req.Credits <= 0 {
		return nil, model.ErrInvalidAmount
	}
	before := acct.Balances()
	replace := acct.PeriodEnded(now)
	kind := model.KindSubscriptionPurchase
	if replace {
		if acct.State != model.StateNone {
			kind = model.KindSubscriptionRenewal
		}
		acct.SetBalances(req.Credits, acct.RechargeCredits)
	} else {
		acct.SetBalances(acct.SubscriptionCredits+req.Credits, acct.RechargeCredits)
	}

	if req.PlanID != "" {
		acct.PlanID = req.PlanID
	}
	if acct.PeriodEnd == nil || req.PeriodEnd.After(*acct.PeriodEnd) {
		start := now
		end := req.PeriodEnd
		acct.PeriodStart = &start
		acct.PeriodEnd = &end
	}
	if !Stale(acct, req.OccurredAt) {
		acct.State = model.StateActive
		touch(acct, req.OccurredAt)
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("%s credits for %s", kind, acct.PlanID)
	}
	return newEntry(acct, kind, before, desc, req.ReferenceID, now), nil
}

// Cancel moves an active subscription to cancelled. Credits stay until the
// period ends. It reports whether anything changed.
func Cancel(acct *model.Account, req model.CancelRequest) bool {
	if Stale(acct, req.OccurredAt) {
		return false
	}
	changed := false
	if acct.State == model.StateActive {
		acct.State = model.StateCancelled
		changed = true
	}
	if acct.State == model.StateCancelled && req.PeriodEnd != nil &&
		(acct.PeriodEnd == nil || req.PeriodEnd.Before(*acct.PeriodEnd)) {
		end := *req.PeriodEnd
		acct.PeriodEnd = &end
		changed = true
	}
	if changed {
		touch(acct, req.OccurredAt)
	}
	return changed
}

// Reactivate undoes a cancellation while the period is still running.
func Reactivate(acct *model.Account, occurredAt, now time.Time) bool {
	if Stale(acct, occurredAt) || acct.State != model.StateCancelled || acct.PeriodEnded(now) {
		return false
	}
	acct.State = model.StateActive
	touch(acct, occurredAt)
	return true
}

// Link records the processor's customer and subscription ids on acct.
func Link(acct *model.Account, customerID, subscriptionID string) bool {
	changed := false
	if customerID != "" && customerID != acct.StripeCustomerID {
		acct.StripeCustomerID = customerID
		changed = true
	}
	if subscriptionID != "" && subscriptionID != acct.StripeSubscriptionID {
		acct.StripeSubscriptionID = subscriptionID
		changed = true
	}
	return changed
}

// Stale reports whether a lifecycle event that occurred at occurredAt is
// older than the last one applied to acct. A zero time is never stale.
func Stale(acct *model.Account, occurredAt time.Time) bool {
	if occurredAt.IsZero() || acct.LastEventAt == nil {
		return false
	}
	return occurredAt.Before(*acct.LastEventAt)
}

func touch(acct *model.Account, occurredAt time.Time) {
	if occurredAt.IsZero() {
		return
	}
	t := occurredAt
	acct.LastEventAt = &t
}

func newEntry(acct *model.Account, kind model.EntryKind, before model.Balances, desc, ref string, now time.Time) *model.LedgerEntry {
	after := acct.Balances()
	if ref == "" {
		ref = string(kind) + ":" + uuid.NewString()
	}
	return &model.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   acct.ID,
		Kind:        kind,
		Delta:       after.Total - before.Total,
		Before:      before,
		After:       after,
		Description: desc,
		ReferenceID: ref,
		CreatedAt:   now.UTC(),
	}
}
