package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"actcredits/internal/metrics"
	"actcredits/internal/model"
	"actcredits/internal/repository"
	"actcredits/internal/repository/repotest"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBus struct {
	mu       sync.Mutex
	messages []model.LedgerEvent
	err      error
}

func (m *mockBus) Publish(topic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if topic != repository.TopicEntryCreated {
		return errors.New("unexpected topic " + topic)
	}
	var ev model.LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	m.messages = append(m.messages, ev)
	return nil
}

func (m *mockBus) events() []model.LedgerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LedgerEvent(nil), m.messages...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ledger *Ledger
	store  repository.Store
	bus    *mockBus
	clock  *testClock
	reg    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, repotest.SQLite(t))
}

func newFixtureOn(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: store,
		bus:   &mockBus{},
		clock: &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		reg:   prometheus.NewRegistry(),
	}
	f.ledger = NewLedger(store, f.bus, nil, metrics.MustNew(f.reg), model.DefaultCatalog())
	f.ledger.SetClock(f.clock.now)
	return f
}

// seed builds an account with the given balances and lifecycle through the
// public operations only.
func (f *fixture) seed(t *testing.T, id string, sub, recharge int64, periodEnd time.Time, cancel bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, id, id+"@example.com")
	require.NoError(t, err)
	if recharge > 0 {
		_, err = f.ledger.Credit(ctx, model.CreditRequest{AccountID: id, Amount: recharge, Kind: model.KindPurchase, ReferenceID: "seed-recharge:" + id})
		require.NoError(t, err)
	}
	if sub > 0 {
		_, err = f.ledger.Renew(ctx, model.RenewRequest{AccountID: id, Credits: sub, PlanID: "basic_monthly", PeriodEnd: periodEnd, ReferenceID: "seed-sub:" + id})
		require.NoError(t, err)
	}
	if cancel {
		_, err = f.ledger.Cancel(ctx, model.CancelRequest{AccountID: id, OccurredAt: f.clock.now()})
		require.NoError(t, err)
	}
}

func (f *fixture) account(t *testing.T, id string) *model.Account {
	t.Helper()
	a, err := f.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) entries(t *testing.T, id string) []model.LedgerEntry {
	t.Helper()
	list, err := f.store.ListEntries(context.Background(), id, 100)
	require.NoError(t, err)
	return list
}

func TestDebit_ConsumesSubscriptionFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 100, 50, f.clock.now().Add(10*24*time.Hour), false)

	res, err := f.ledger.Debit(context.Background(), model.DebitRequest{AccountID: "user-1", Amount: 120, Description: "video effect"})
	require.NoError(t, err)

	assert.Equal(t, model.Balances{Subscription: 0, Recharge: 30, Total: 30}, res.Balances)
	assert.Equal(t, int64(100), res.SubscriptionConsumed)
	assert.Equal(t, int64(20), res.RechargeConsumed)
	assert.Equal(t, model.KindConsumption, res.Entry.Kind)
	assert.Equal(t, int64(-120), res.Entry.Delta)

	a := f.account(t, "user-1")
	assert.Equal(t, int64(30), a.TotalCredits)
}

func TestDebit_InsufficientWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 30, 20, f.clock.now().Add(24*time.Hour), false)
	before := len(f.entries(t, "user-1"))
	published := len(f.bus.events())

	_, err := f.ledger.Debit(context.Background(), model.DebitRequest{AccountID: "user-1", Amount: 1000})
	require.ErrorIs(t, err, model.ErrInsufficientCredits)

	a := f.account(t, "user-1")
	assert.Equal(t, model.Balances{Subscription: 30, Recharge: 20, Total: 50}, a.Balances())
	assert.Len(t, f.entries(t, "user-1"), before)
	assert.Len(t, f.bus.events(), published)
}

func TestDebit_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Debit(context.Background(), model.DebitRequest{AccountID: "ghost", Amount: 1})
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestDebit_SameReferenceChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 100, time.Time{}, false)
	ctx := context.Background()

	first, err := f.ledger.Debit(ctx, model.DebitRequest{AccountID: "user-1", Amount: 40, ReferenceID: "gen-1"})
	require.NoError(t, err)
	again, err := f.ledger.Debit(ctx, model.DebitRequest{AccountID: "user-1", Amount: 40, ReferenceID: "gen-1"})
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(40), again.RechargeConsumed)
	assert.Equal(t, int64(60), f.account(t, "user-1").TotalCredits)
}

func TestCredit_IdempotentByReference(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	ctx := context.Background()
	req := model.CreditRequest{AccountID: "user-1", Amount: 1300, Kind: model.KindSubscriptionPurchase, ReferenceID: "evt_123"}

	first, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)
	second, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(1300), f.account(t, "user-1").SubscriptionCredits)
	assert.Len(t, f.entries(t, "user-1"), 1)
	assert.Len(t, f.bus.events(), 1)
}

func TestCredit_ConcurrentSameReference(t *testing.T) {
	repotest.Each(t, testCreditConcurrentSameReference)
}

func testCreditConcurrentSameReference(t *testing.T, store repository.Store) {
	f := newFixtureOn(t, store)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Credit(context.Background(), model.CreditRequest{
				AccountID: "user-1", Amount: 1000, Kind: model.KindPurchase, ReferenceID: "checkout:cs_1",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), f.account(t, "user-1").RechargeCredits)
	assert.Len(t, f.entries(t, "user-1"), 1)
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	repotest.Each(t, testConcurrentDebitsNeverOverdraw)
}

func testConcurrentDebitsNeverOverdraw(t *testing.T, store repository.Store) {
	f := newFixtureOn(t, store)
	f.seed(t, "user-1", 0, 100, time.Time{}, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Debit(context.Background(), model.DebitRequest{AccountID: "user-1", Amount: 30})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrInsufficientCredits)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	a := f.account(t, "user-1")
	assert.Equal(t, int64(10), a.TotalCredits)
	assert.GreaterOrEqual(t, a.RechargeCredits, int64(0))
}

func TestSweepExpired_ClearsEndedCancellations(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "ended", 500, 20, now.Add(24*time.Hour), true)
	f.seed(t, "running", 500, 0, now.Add(20*24*time.Hour), true)
	f.seed(t, "active", 500, 0, now.Add(24*time.Hour), false)

	f.clock.advance(48 * time.Hour)
	res, err := f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, int64(500), res.Cleared)
	assert.Empty(t, res.Failed)

	ended := f.account(t, "ended")
	assert.Equal(t, model.Balances{Subscription: 0, Recharge: 20, Total: 20}, ended.Balances())
	assert.Equal(t, model.StateExpired, ended.State)

	list := f.entries(t, "ended")
	require.NotEmpty(t, list)
	assert.Equal(t, model.KindSubscriptionExpiry, list[0].Kind)
	assert.Equal(t, int64(-500), list[0].Delta)

	assert.Equal(t, int64(500), f.account(t, "running").SubscriptionCredits)
	// Active accounts are left for the renewal path even after their period end.
	assert.Equal(t, int64(500), f.account(t, "active").SubscriptionCredits)
	assert.Equal(t, model.StateActive, f.account(t, "active").State)

	again, err := f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Expired)

	assert.Equal(t, 1.0, f.gathered(t, "actcredits_sweep_expired_accounts_total"))
}

// gathered sums every sample of the named metric family.
func (f *fixture) gathered(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestSweepExpired_ConcurrentRunsZeroOnce(t *testing.T) {
	repotest.Each(t, testSweepConcurrentRunsZeroOnce)
}

func testSweepConcurrentRunsZeroOnce(t *testing.T, store repository.Store) {
	f := newFixtureOn(t, store)
	now := f.clock.now()
	for _, id := range []string{"a", "b", "c", "d"} {
		f.seed(t, id, 500, 10, now.Add(time.Hour), true)
	}
	f.clock.advance(2 * time.Hour)

	var wg sync.WaitGroup
	results := make([]*model.SweepResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.ledger.SweepExpired(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	expired := 0
	var cleared int64
	for _, r := range results {
		expired += r.Expired
		cleared += r.Cleared
	}
	assert.Equal(t, 4, expired)
	assert.Equal(t, int64(2000), cleared)

	for _, id := range []string{"a", "b", "c", "d"} {
		expiries := 0
		for _, e := range f.entries(t, id) {
			if e.Kind == model.KindSubscriptionExpiry {
				expiries++
			}
		}
		assert.Equal(t, 1, expiries, "account %s", id)
		assert.Equal(t, int64(10), f.account(t, id).TotalCredits)
	}
}

func TestSweepExpired_HonoursLimit(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "a", 100, 0, now.Add(time.Hour), true)
	f.seed(t, "b", 100, 0, now.Add(time.Hour), true)
	f.clock.advance(2 * time.Hour)
	f.ledger.SetSweepLimit(1)

	res, err := f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	res, err = f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
}

func TestExpireSubscription(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "user-1", 500, 20, now.Add(24*time.Hour), true)
	ctx := context.Background()

	_, err := f.ledger.ExpireSubscription(ctx, "user-1")
	require.ErrorIs(t, err, model.ErrNotEligibleForExpiry)

	f.clock.advance(25 * time.Hour)
	res, err := f.ledger.ExpireSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.Balances{Subscription: 0, Recharge: 20, Total: 20}, res.Balances)

	_, err = f.ledger.ExpireSubscription(ctx, "user-1")
	assert.ErrorIs(t, err, model.ErrNotEligibleForExpiry)
}

func TestRenew_ReplaceAfterPeriodEnd(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "user-1", 500, 0, now.Add(24*time.Hour), false)
	f.clock.advance(25 * time.Hour)

	res, err := f.ledger.Renew(context.Background(), model.RenewRequest{
		AccountID: "user-1", PlanID: "basic_monthly", ReferenceID: "invoice:in_2",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1300), res.Balances.Subscription)
	assert.Equal(t, model.KindSubscriptionRenewal, res.Entry.Kind)
	a := f.account(t, "user-1")
	require.NotNil(t, a.PeriodEnd)
	assert.WithinDuration(t, f.clock.now().Add(30*24*time.Hour), *a.PeriodEnd, time.Millisecond)
}

func TestRenew_AccumulateWithinPeriod(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "user-1", 500, 0, now.Add(10*24*time.Hour), false)

	res, err := f.ledger.Renew(context.Background(), model.RenewRequest{
		AccountID: "user-1", Credits: 1300, PeriodEnd: now.Add(30 * 24 * time.Hour), ReferenceID: "invoice:in_3",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1800), res.Balances.Subscription)
}

func TestRenew_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)

	_, err := f.ledger.Renew(context.Background(), model.RenewRequest{AccountID: "user-1", Credits: 10})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.ledger.Renew(context.Background(), model.RenewRequest{AccountID: "user-1", PlanID: "gold"})
	assert.ErrorIs(t, err, model.ErrUnknownPlan)
}

func TestCancelAndReactivate(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	f.seed(t, "user-1", 500, 0, now.Add(5*24*time.Hour), false)
	ctx := context.Background()

	a, err := f.ledger.Cancel(ctx, model.CancelRequest{AccountID: "user-1", OccurredAt: now})
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, a.State)
	assert.Equal(t, int64(500), a.SubscriptionCredits)

	st, err := f.ledger.SubscriptionStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, st.CanCancel)
	require.NotNil(t, st.DaysUntilExpiry)
	assert.Equal(t, 5, *st.DaysUntilExpiry)

	a, err = f.ledger.Reactivate(ctx, "user-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, a.State)
}

func TestLinkCustomer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	ctx := context.Background()

	_, err := f.ledger.LinkCustomer(ctx, "user-1", "cus_1", "sub_1")
	require.NoError(t, err)

	a, err := f.ledger.AccountByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", a.ID)
	assert.Equal(t, "sub_1", a.StripeSubscriptionID)
}

func TestGrantWelcomeBonus_Once(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ledger.GrantWelcomeBonus(ctx, "user-1", "u@example.com")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, WelcomeBonus, res.Balances.Recharge)

	res, err = f.ledger.GrantWelcomeBonus(ctx, "user-1", "u@example.com")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, WelcomeBonus, f.account(t, "user-1").TotalCredits)
	assert.Equal(t, "u@example.com", f.account(t, "user-1").Email)
}

func TestEnsureAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.ledger.EnsureAccount(ctx, "user-1", "u@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.StateNone, a.State)
	assert.Equal(t, int64(0), a.TotalCredits)

	b, err := f.ledger.EnsureAccount(ctx, "user-1", "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u@example.com", b.Email)

	_, err = f.ledger.EnsureAccount(ctx, "", "")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestGetCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.GetCredits(ctx, "ghost", 10)
	assert.ErrorIs(t, err, model.ErrAccountNotFound)

	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	empty, err := f.ledger.GetCredits(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.NotNil(t, empty.Entries)
	assert.Empty(t, empty.Entries)

	_, err = f.ledger.GrantWelcomeBonus(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = f.ledger.Debit(ctx, model.DebitRequest{AccountID: "user-1", Amount: 20})
	require.NoError(t, err)

	sum, err := f.ledger.GetCredits(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum.Balances.Total)
	assert.Equal(t, int64(50), sum.TotalEarned)
	assert.Equal(t, int64(20), sum.TotalSpent)
	assert.Len(t, sum.Entries, 2)
}

func TestMutations_PublishCommittedEntries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	ctx := context.Background()

	res, err := f.ledger.Credit(ctx, model.CreditRequest{AccountID: "user-1", Amount: 1000, Kind: model.KindPurchase, ReferenceID: "checkout:cs_9"})
	require.NoError(t, err)

	events := f.bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, res.Entry.ID, events[0].EntryID)
	assert.Equal(t, model.KindPurchase, events[0].Kind)
	assert.Equal(t, int64(1000), events[0].Balances.Total)
}

func TestMutations_BusFailureDoesNotUndoCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	f.bus.err = errors.New("broker down")

	_, err := f.ledger.Credit(context.Background(), model.CreditRequest{AccountID: "user-1", Amount: 10, Kind: model.KindRefund, ReferenceID: "refund:1"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.account(t, "user-1").TotalCredits)
}

func newTestCache(t *testing.T) *repository.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return repository.NewRedisCache(rdb, time.Minute)
}

func TestGetBalance_ReadThroughCache(t *testing.T) {
	cache := newTestCache(t)
	l := NewLedger(repotest.SQLite(t), nil, cache, nil, model.DefaultCatalog())
	ctx := context.Background()

	_, err := l.GrantWelcomeBonus(ctx, "user-1", "")
	require.NoError(t, err)

	b, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.Total)
	cached, err := cache.GetBalances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cached.Total)

	_, err = l.Debit(ctx, model.DebitRequest{AccountID: "user-1", Amount: 15})
	require.NoError(t, err)
	_, err = cache.GetBalances(ctx, "user-1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	b, err = l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(35), b.Total)

	_, err = l.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

// pausingStore holds GetAccount after the row is read until resume is closed.
type pausingStore struct {
	repository.Store
	armed  bool
	loaded chan struct{}
	resume chan struct{}
}

func (p *pausingStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := p.Store.GetAccount(ctx, id)
	if p.armed {
		p.armed = false
		close(p.loaded)
		<-p.resume
	}
	return a, err
}

func TestGetBalance_FillRacingDebitDoesNotPinStaleBalance(t *testing.T) {
	cache := newTestCache(t)
	store := &pausingStore{Store: repotest.SQLite(t), loaded: make(chan struct{}), resume: make(chan struct{})}
	l := NewLedger(store, nil, cache, nil, model.DefaultCatalog())
	ctx := context.Background()

	_, err := l.GrantWelcomeBonus(ctx, "user-1", "")
	require.NoError(t, err)

	store.armed = true
	read := make(chan model.Balances, 1)
	go func() {
		b, err := l.GetBalance(ctx, "user-1")
		assert.NoError(t, err)
		read <- b
	}()

	<-store.loaded
	_, err = l.Debit(ctx, model.DebitRequest{AccountID: "user-1", Amount: 50})
	require.NoError(t, err)
	close(store.resume)
	assert.Equal(t, int64(50), (<-read).Total)

	b, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Total)
}

func TestDebit_ForeignReferenceIsCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.GrantWelcomeBonus(ctx, "alice", "")
	require.NoError(t, err)
	f.seed(t, "mallory", 0, 100, time.Time{}, false)

	res, err := f.ledger.Debit(ctx, model.DebitRequest{AccountID: "mallory", Amount: 100, ReferenceID: "signup_bonus:alice"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "mallory", res.Entry.AccountID)
	assert.Equal(t, "consume:mallory:signup_bonus:alice", res.Entry.ReferenceID)
	assert.Equal(t, int64(0), f.account(t, "mallory").TotalCredits)
	assert.Equal(t, WelcomeBonus, f.account(t, "alice").TotalCredits)
}

func TestDebit_ReferencesAreScopedPerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", 0, 100, time.Time{}, false)
	f.seed(t, "user-2", 0, 100, time.Time{}, false)

	for _, id := range []string{"user-1", "user-2"} {
		res, err := f.ledger.Debit(ctx, model.DebitRequest{AccountID: id, Amount: 10, ReferenceID: "gen-1"})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, int64(90), f.account(t, id).TotalCredits)
	}
}

func TestWelcomeBonus_CannotBeClaimedByAnotherAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "mallory", 0, 10, time.Time{}, false)

	_, err := f.ledger.Debit(ctx, model.DebitRequest{AccountID: "mallory", Amount: 1, ReferenceID: "signup_bonus:bob"})
	require.NoError(t, err)

	res, err := f.ledger.GrantWelcomeBonus(ctx, "bob", "")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, WelcomeBonus, f.account(t, "bob").TotalCredits)
}

func TestCredit_ReferenceOfAnotherAccountConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", 0, 0, time.Time{}, false)
	f.seed(t, "user-2", 0, 0, time.Time{}, false)

	_, err := f.ledger.Credit(ctx, model.CreditRequest{AccountID: "user-1", Amount: 1000, Kind: model.KindPurchase, ReferenceID: "checkout:cs_1"})
	require.NoError(t, err)

	res, err := f.ledger.Credit(ctx, model.CreditRequest{AccountID: "user-2", Amount: 1000, Kind: model.KindPurchase, ReferenceID: "checkout:cs_1"})
	require.ErrorIs(t, err, model.ErrReferenceConflict)
	assert.Nil(t, res)
	assert.Equal(t, int64(0), f.account(t, "user-2").TotalCredits)
}

func TestReference_KindMismatchConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "user-1", 0, 0, time.Time{}, false)

	_, err := f.ledger.Credit(ctx, model.CreditRequest{AccountID: "user-1", Amount: 5, Kind: model.KindRefund, ReferenceID: "invoice:in_1"})
	require.NoError(t, err)

	_, err = f.ledger.Renew(ctx, model.RenewRequest{AccountID: "user-1", PlanID: "basic_monthly", ReferenceID: "invoice:in_1"})
	assert.ErrorIs(t, err, model.ErrReferenceConflict)
	_, err = f.ledger.Credit(ctx, model.CreditRequest{AccountID: "user-1", Amount: 5, Kind: model.KindBonus, ReferenceID: "invoice:in_1"})
	assert.ErrorIs(t, err, model.ErrReferenceConflict)
	assert.Equal(t, int64(5), f.account(t, "user-1").TotalCredits)
}

// failingStore fails SaveAccount for one account inside every transaction.
type failingStore struct {
	repository.Store
	broken string
}

func (s *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, broken: s.broken})
	})
}

type failingTx struct {
	repository.Tx
	broken string
}

func (t *failingTx) SaveAccount(ctx context.Context, acct *model.Account) error {
	if acct.ID == t.broken && acct.State == model.StateExpired {
		return errors.New("disk full")
	}
	return t.Tx.SaveAccount(ctx, acct)
}

func TestSweepExpired_FailingAccountDoesNotBlockOthers(t *testing.T) {
	f := newFixtureOn(t, &failingStore{Store: repotest.SQLite(t), broken: "a"})
	now := f.clock.now()
	for _, id := range []string{"a", "b", "c"} {
		f.seed(t, id, 100, 0, now.Add(time.Hour), true)
	}
	f.clock.advance(2 * time.Hour)

	res, err := f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Failed)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, int64(100), f.account(t, "a").SubscriptionCredits)
	assert.Equal(t, int64(0), f.account(t, "b").SubscriptionCredits)
	assert.Equal(t, int64(0), f.account(t, "c").SubscriptionCredits)

	again, err := f.ledger.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Failed)
	assert.Equal(t, 0, again.Expired)
}
