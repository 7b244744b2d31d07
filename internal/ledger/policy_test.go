package ledger

import (
	"strings"
	"testing"
	"time"

	"actcredits/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func account(sub, recharge int64, state model.SubscriptionState, periodEnd *time.Time) *model.Account {
	a := &model.Account{ID: "acct-1", State: state, PeriodEnd: periodEnd}
	a.SetBalances(sub, recharge)
	return a
}

func at(t time.Time) *time.Time { return &t }

func assertConsistent(t *testing.T, a *model.Account, e *model.LedgerEntry) {
	t.Helper()
	assert.Equal(t, a.SubscriptionCredits+a.RechargeCredits, a.TotalCredits)
	if e != nil {
		assert.Equal(t, e.After.Total-e.Before.Total, e.Delta)
		assert.Equal(t, a.Balances(), e.After)
		assert.NotEmpty(t, e.ReferenceID)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name             string
		sub, rech, req   int64
		wantSub, wantRec int64
		wantErr          error
	}{
		{"subscription first", 100, 50, 120, 100, 20, nil},
		{"subscription covers all", 100, 50, 40, 40, 0, nil},
		{"recharge only", 0, 50, 50, 0, 50, nil},
		{"exact total", 100, 50, 150, 100, 50, nil},
		{"insufficient", 30, 20, 1000, 0, 0, model.ErrInsufficientCredits},
		{"zero", 30, 20, 0, 0, 0, model.ErrInvalidAmount},
		{"negative", 30, 20, -5, 0, 0, model.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := model.Balances{Subscription: tt.sub, Recharge: tt.rech, Total: tt.sub + tt.rech}
			fromSub, fromRec, err := Split(b, tt.req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, fromSub)
			assert.Equal(t, tt.wantRec, fromRec)
		})
	}
}

func TestCredit_RoutesByKind(t *testing.T) {
	a := account(100, 50, model.StateActive, nil)

	e, err := Credit(a, model.CreditRequest{Amount: 1300, Kind: model.KindSubscriptionPurchase, ReferenceID: "evt_123"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1400), a.SubscriptionCredits)
	assert.Equal(t, int64(50), a.RechargeCredits)
	assert.Equal(t, int64(1300), e.Delta)
	assert.Equal(t, "evt_123", e.ReferenceID)
	assertConsistent(t, a, e)

	e, err = Credit(a, model.CreditRequest{Amount: 50, Kind: model.KindBonus}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.RechargeCredits)
	assert.Equal(t, int64(1500), a.TotalCredits)
	assertConsistent(t, a, e)
}

func TestCredit_Rejects(t *testing.T) {
	a := account(10, 10, model.StateNone, nil)

	_, err := Credit(a, model.CreditRequest{Amount: 0, Kind: model.KindPurchase}, now)
	require.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = Credit(a, model.CreditRequest{Amount: 5, Kind: model.KindConsumption}, now)
	require.ErrorIs(t, err, model.ErrInvalidKind)

	_, err = Credit(a, model.CreditRequest{Amount: 5, Kind: model.KindSubscriptionExpiry}, now)
	require.ErrorIs(t, err, model.ErrInvalidKind)

	assert.Equal(t, int64(20), a.TotalCredits)
}

func TestDebit_SubscriptionFirst(t *testing.T) {
	a := account(100, 50, model.StateActive, nil)

	e, fromSub, fromRec, err := Debit(a, model.DebitRequest{Amount: 120}, now)
	require.NoError(t, err)

	assert.Equal(t, int64(100), fromSub)
	assert.Equal(t, int64(20), fromRec)
	assert.Equal(t, int64(0), a.SubscriptionCredits)
	assert.Equal(t, int64(30), a.RechargeCredits)
	assert.Equal(t, model.KindConsumption, e.Kind)
	assert.Equal(t, int64(-120), e.Delta)
	assert.True(t, strings.HasPrefix(e.ReferenceID, "consume:acct-1:"), e.ReferenceID)
	assertConsistent(t, a, e)
}

func TestDebit_ScopesCallerReference(t *testing.T) {
	a := account(0, 10, model.StateNone, nil)

	e, _, _, err := Debit(a, model.DebitRequest{Amount: 1, ReferenceID: "signup_bonus:acct-2"}, now)
	require.NoError(t, err)
	assert.Equal(t, "consume:acct-1:signup_bonus:acct-2", e.ReferenceID)
	assert.Equal(t, e.ReferenceID, ConsumeReference("acct-1", "signup_bonus:acct-2"))
	assert.Empty(t, ConsumeReference("acct-1", ""))
}

func TestDebit_InsufficientLeavesAccountUntouched(t *testing.T) {
	a := account(30, 20, model.StateActive, nil)

	_, _, _, err := Debit(a, model.DebitRequest{Amount: 1000}, now)
	require.ErrorIs(t, err, model.ErrInsufficientCredits)
	assert.Equal(t, model.Balances{Subscription: 30, Recharge: 20, Total: 50}, a.Balances())
}

func TestExpiryEligible(t *testing.T) {
	yesterday := at(now.Add(-24 * time.Hour))
	tomorrow := at(now.Add(24 * time.Hour))

	tests := []struct {
		name string
		acct *model.Account
		want bool
	}{
		{"cancelled and ended", account(500, 20, model.StateCancelled, yesterday), true},
		{"cancelled ends exactly now", account(500, 20, model.StateCancelled, at(now)), true},
		{"cancelled still running", account(500, 20, model.StateCancelled, tomorrow), false},
		{"active and ended", account(500, 20, model.StateActive, yesterday), false},
		{"cancelled without credits", account(0, 20, model.StateCancelled, yesterday), false},
		{"expired with leftover credits", account(500, 20, model.StateExpired, tomorrow), true},
		{"never subscribed", account(0, 20, model.StateNone, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpiryEligible(tt.acct, now))
		})
	}
}

func TestExpire(t *testing.T) {
	end := now.Add(-24 * time.Hour)
	a := account(500, 20, model.StateCancelled, &end)
	a.Version = 7
	wantRef := ExpiryReference(a)

	e, err := Expire(a, now)
	require.NoError(t, err)

	assert.Equal(t, int64(0), a.SubscriptionCredits)
	assert.Equal(t, int64(20), a.TotalCredits)
	assert.Equal(t, model.StateExpired, a.State)
	assert.Equal(t, model.KindSubscriptionExpiry, e.Kind)
	assert.Equal(t, int64(-500), e.Delta)
	assert.Equal(t, wantRef, e.ReferenceID)
	assert.Contains(t, wantRef, "expiry:acct-1:")
	assertConsistent(t, a, e)

	_, err = Expire(a, now)
	require.ErrorIs(t, err, model.ErrNotEligibleForExpiry)
}

func TestRenew_ReplacesAfterPeriodEnd(t *testing.T) {
	end := now.Add(-time.Hour)
	a := account(500, 20, model.StateActive, &end)

	e, err := Renew(a, model.RenewRequest{Credits: 1300, PlanID: "basic_monthly", PeriodEnd: now.Add(30 * 24 * time.Hour)}, now)
	require.NoError(t, err)

	assert.Equal(t, int64(1300), a.SubscriptionCredits)
	assert.Equal(t, int64(1320), a.TotalCredits)
	assert.Equal(t, model.KindSubscriptionRenewal, e.Kind)
	assert.Equal(t, int64(800), e.Delta)
	assert.Equal(t, "basic_monthly", a.PlanID)
	assert.True(t, a.PeriodEnd.After(now))
	assertConsistent(t, a, e)
}

func TestRenew_AccumulatesWithinPeriod(t *testing.T) {
	end := now.Add(10 * 24 * time.Hour)
	a := account(500, 0, model.StateActive, &end)

	e, err := Renew(a, model.RenewRequest{Credits: 1300, PeriodEnd: now.Add(30 * 24 * time.Hour)}, now)
	require.NoError(t, err)

	assert.Equal(t, int64(1800), a.SubscriptionCredits)
	assert.Equal(t, model.KindSubscriptionPurchase, e.Kind)
	assertConsistent(t, a, e)
}

func TestRenew_FirstPurchase(t *testing.T) {
	a := account(0, 50, model.StateNone, nil)

	e, err := Renew(a, model.RenewRequest{Credits: 4000, PlanID: "pro_monthly", PeriodEnd: now.Add(30 * 24 * time.Hour)}, now)
	require.NoError(t, err)

	assert.Equal(t, model.KindSubscriptionPurchase, e.Kind)
	assert.Equal(t, model.StateActive, a.State)
	assert.Equal(t, int64(4050), a.TotalCredits)
}

func TestRenew_StaleEventKeepsNewerState(t *testing.T) {
	end := now.Add(10 * 24 * time.Hour)
	a := account(500, 0, model.StateCancelled, &end)
	a.LastEventAt = at(now)

	_, err := Renew(a, model.RenewRequest{Credits: 100, PeriodEnd: end, OccurredAt: now.Add(-time.Hour)}, now)
	require.NoError(t, err)

	assert.Equal(t, model.StateCancelled, a.State)
	assert.Equal(t, int64(600), a.SubscriptionCredits)
}

func TestCancelAndReactivate(t *testing.T) {
	end := now.Add(5 * 24 * time.Hour)
	a := account(500, 0, model.StateActive, &end)

	assert.True(t, Cancel(a, model.CancelRequest{OccurredAt: now}))
	assert.Equal(t, model.StateCancelled, a.State)
	assert.Equal(t, int64(500), a.SubscriptionCredits)

	// An older "active" notification must not undo the cancellation.
	assert.False(t, Reactivate(a, now.Add(-time.Minute), now))
	assert.Equal(t, model.StateCancelled, a.State)

	assert.True(t, Reactivate(a, now.Add(time.Minute), now))
	assert.Equal(t, model.StateActive, a.State)
}

func TestCancel_ShortensPeriodOnImmediateDeletion(t *testing.T) {
	end := now.Add(20 * 24 * time.Hour)
	a := account(500, 0, model.StateActive, &end)

	ended := now.Add(-time.Minute)
	assert.True(t, Cancel(a, model.CancelRequest{PeriodEnd: &ended, OccurredAt: now}))
	assert.Equal(t, ended, *a.PeriodEnd)
	assert.True(t, ExpiryEligible(a, now))
}

func TestReactivate_AfterPeriodEndIsRefused(t *testing.T) {
	end := now.Add(-time.Hour)
	a := account(500, 0, model.StateCancelled, &end)

	assert.False(t, Reactivate(a, now, now))
	assert.Equal(t, model.StateCancelled, a.State)
}

func TestLink(t *testing.T) {
	a := account(0, 0, model.StateNone, nil)

	assert.True(t, Link(a, "cus_1", "sub_1"))
	assert.False(t, Link(a, "cus_1", ""))
	assert.Equal(t, "sub_1", a.StripeSubscriptionID)
}
