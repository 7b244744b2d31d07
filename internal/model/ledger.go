package model

import "time"

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindBonus                EntryKind = "bonus"
	KindPurchase             EntryKind = "purchase"
	KindConsumption          EntryKind = "consumption"
	KindSubscriptionPurchase EntryKind = "subscription_purchase"
	KindSubscriptionRenewal  EntryKind = "subscription_renewal"
	KindSubscriptionExpiry   EntryKind = "subscription_expiry"
	KindRefund               EntryKind = "refund"
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindBonus, KindPurchase, KindConsumption, KindSubscriptionPurchase,
		KindSubscriptionRenewal, KindSubscriptionExpiry, KindRefund:
		return true
	}
	return false
}

// Subscription reports whether credits of this kind land in the subscription balance.
func (k EntryKind) Subscription() bool {
	return k == KindSubscriptionPurchase || k == KindSubscriptionRenewal
}

// Balances is a snapshot of the three numbers an account carries.
type Balances struct {
	Subscription int64 `json:"subscription_credits"`
	Recharge     int64 `json:"recharge_credits"`
	Total        int64 `json:"total_credits"`
}

// LedgerEntry is an immutable record of one balance change.
// Delta always equals After.Total - Before.Total.
type LedgerEntry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Kind        EntryKind `json:"kind"`
	Delta       int64     `json:"delta"`
	Before      Balances  `json:"before"`
	After       Balances  `json:"after"`
	Description string    `json:"description"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreditRequest struct {
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Kind        EntryKind `json:"kind"`
	ReferenceID string    `json:"reference_id"`
	Description string    `json:"description"`
}

type DebitRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	// ReferenceID is optional; generation workers pass the generation id so
	// retried requests are not charged twice.
	ReferenceID string `json:"reference_id,omitempty"`
}

type RenewRequest struct {
	AccountID   string    `json:"account_id"`
	PlanID      string    `json:"plan_id"`
	Credits     int64     `json:"credits"`
	PeriodEnd   time.Time `json:"period_end"`
	ReferenceID string    `json:"reference_id"`
	Description string    `json:"description"`
	// OccurredAt is when the processor produced the event; zero for manual renewals.
	OccurredAt time.Time `json:"occurred_at"`
}

type CancelRequest struct {
	AccountID string `json:"account_id"`
	// PeriodEnd overrides the stored period end when the processor ended the
	// subscription immediately.
	PeriodEnd  *time.Time `json:"period_end,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// MutationResult is returned by every balance-changing operation.
type MutationResult struct {
	Entry     *LedgerEntry `json:"entry"`
	Balances  Balances     `json:"balances"`
	Duplicate bool         `json:"duplicate"`
}

// DebitResult extends MutationResult with the split between the two balances.
type DebitResult struct {
	MutationResult
	SubscriptionConsumed int64 `json:"subscription_consumed"`
	RechargeConsumed     int64 `json:"recharge_consumed"`
}

// CreditSummary is what the dashboard shows for an account.
type CreditSummary struct {
	AccountID   string        `json:"account_id"`
	Balances    Balances      `json:"balances"`
	TotalEarned int64         `json:"total_earned"`
	TotalSpent  int64         `json:"total_spent"`
	Entries     []LedgerEntry `json:"entries"`
}

// SweepResult reports one sweep run.
type SweepResult struct {
	Scanned int      `json:"scanned"`
	Expired int      `json:"expired"`
	Cleared int64    `json:"cleared_credits"`
	Failed  []string `json:"failed,omitempty"`
}
