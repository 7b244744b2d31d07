package model

import "time"

// SubscriptionState is the canonical lifecycle state of an account's subscription.
type SubscriptionState string

const (
	StateNone      SubscriptionState = "none"
	StateActive    SubscriptionState = "active"
	StateCancelled SubscriptionState = "cancelled"
	StateExpired   SubscriptionState = "expired"
)

func (s SubscriptionState) Valid() bool {
	switch s {
	case StateNone, StateActive, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Account holds the balances and subscription state of one user.
type Account struct {
	ID                   string            `json:"id"`
	Email                string            `json:"email"`
	SubscriptionCredits  int64             `json:"subscription_credits"`
	RechargeCredits      int64             `json:"recharge_credits"`
	TotalCredits         int64             `json:"total_credits"`
	State                SubscriptionState `json:"subscription_state"`
	PlanID               string            `json:"plan_id,omitempty"`
	PeriodStart          *time.Time        `json:"period_start,omitempty"`
	PeriodEnd            *time.Time        `json:"period_end,omitempty"`
	StripeCustomerID     string            `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string            `json:"stripe_subscription_id,omitempty"`
	LastEventAt          *time.Time        `json:"last_event_at,omitempty"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Balances returns the current balance snapshot.
func (a *Account) Balances() Balances {
	return Balances{
		Subscription: a.SubscriptionCredits,
		Recharge:     a.RechargeCredits,
		Total:        a.TotalCredits,
	}
}

// SetBalances writes both parts and recomputes the total.
// Every balance write goes through here.
func (a *Account) SetBalances(subscription, recharge int64) {
	a.SubscriptionCredits = subscription
	a.RechargeCredits = recharge
	a.TotalCredits = subscription + recharge
}

// PeriodEnded reports whether the current billing period is over at now.
// An account without a period end has no running period.
func (a *Account) PeriodEnded(now time.Time) bool {
	return a.PeriodEnd == nil || !now.Before(*a.PeriodEnd)
}

// SubscriptionStatus is the read model behind the subscription page.
type SubscriptionStatus struct {
	AccountID           string            `json:"account_id"`
	State               SubscriptionState `json:"subscription_state"`
	PlanID              string            `json:"plan_id,omitempty"`
	PeriodEnd           *time.Time        `json:"period_end,omitempty"`
	SubscriptionCredits int64             `json:"subscription_credits"`
	CanCancel           bool              `json:"can_cancel"`
	DaysUntilExpiry     *int              `json:"days_until_expiry,omitempty"`
}

// StatusOf builds the subscription read model for a at now.
func StatusOf(a *Account, now time.Time) SubscriptionStatus {
	st := SubscriptionStatus{
		AccountID:           a.ID,
		State:               a.State,
		PlanID:              a.PlanID,
		PeriodEnd:           a.PeriodEnd,
		SubscriptionCredits: a.SubscriptionCredits,
		CanCancel:           a.State == StateActive,
	}
	if a.PeriodEnd != nil {
		left := a.PeriodEnd.Sub(now)
		days := int(left / (24 * time.Hour))
		if left%(24*time.Hour) > 0 {
			days++
		}
		st.DaysUntilExpiry = &days
	}
	return st
}
