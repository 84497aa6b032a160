package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestEnroller_EnsureAccount(t *testing.T) {
	l, store := newTestLedger()
	c, _ := newTestCache(t)
	pub := &recordingPublisher{}
	e := NewEnroller(l, c, newFakeProvider(), time.Second, zap.NewNop())
	e.SetPublisher(pub)
	ctx := context.Background()

	acct, err := e.EnsureAccount(ctx, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, acct.Tier)
	assert.True(t, acct.Balance.IsZero())

	again, err := e.EnsureAccount(ctx, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, acct.AccountID, again.AccountID)
	assert.Equal(t, []events.EventType{events.EventAccountCreated}, pub.Types())

	_, err = store.GetAccount(ctx, "acct_new")
	require.NoError(t, err)
}

func TestEnroller_LockContention(t *testing.T) {
	l, _ := newTestLedger()
	c, mr := newTestCache(t)
	e := NewEnroller(l, c, newFakeProvider(), time.Second, zap.NewNop())

	require.NoError(t, mr.Set("credits:setup:acct_busy", "someone-else"))

	_, err := e.EnsureAccount(context.Background(), "acct_busy")
	assert.ErrorIs(t, err, credits.ErrSetupInProgress)

	mr.Del("credits:setup:acct_busy")
	_, err = e.EnsureAccount(context.Background(), "acct_busy")
	require.NoError(t, err)
	assert.False(t, mr.Exists("credits:setup:acct_busy"), "lock is released after setup")
}

func TestEnroller_ConcurrentFirstTouch(t *testing.T) {
	l, _ := newTestLedger()
	c, _ := newTestCache(t)
	pub := &recordingPublisher{}
	e := NewEnroller(l, c, newFakeProvider(), time.Second, zap.NewNop())
	e.SetPublisher(pub)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EnsureAccount(context.Background(), "acct_race")
			if err != nil {
				assert.ErrorIs(t, err, credits.ErrSetupInProgress)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, pub.Types(), 1, "exactly one request enrolls the account")
}

func TestEnroller_EnsureCustomer(t *testing.T) {
	l, store := newTestLedger()
	fp := newFakeProvider()
	e := NewEnroller(l, nil, fp, 0, zap.NewNop())
	ctx := context.Background()
	store.Put(&models.CreditAccount{AccountID: "acct_1", Tier: models.TierFree})

	id, err := e.EnsureCustomer(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_acct_1", id)

	id, err = e.EnsureCustomer(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_acct_1", id)
	assert.Equal(t, 1, fp.customers)

	acct, err := store.GetAccountByCustomerID(ctx, "cus_acct_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct.AccountID)
}

func newTestService(t *testing.T) (*Service, *credits.MemoryStore, *fakeProvider) {
	t.Helper()
	l, store := newTestLedger()
	fp := newFakeProvider()
	e := NewEnroller(l, nil, fp, 0, zap.NewNop())
	svc := NewService(ServiceConfig{
		SuccessURL:      "https://app.example.com/ok",
		CancelURL:       "https://app.example.com/cancel",
		PortalReturnURL: "https://app.example.com/billing",
		TrialDays:       7,
	}, l, testTiers(t), fp, e, zap.NewNop())
	return svc, store, fp
}

func TestService_StartCreditPurchase(t *testing.T) {
	svc, store, fp := newTestService(t)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")

	session, err := svc.StartCreditPurchase(context.Background(), "acct_1", d("25"))
	require.NoError(t, err)

	p, ok := store.Purchase(session.ID)
	require.True(t, ok)
	assert.Equal(t, models.PurchasePending, p.Status)
	assertDecimal(t, "25", p.Amount)
	require.Len(t, fp.checkouts, 1)
	assert.Equal(t, "cus_acct_1", fp.checkouts[0].CustomerID)
}

func TestService_FreeTierCannotPurchase(t *testing.T) {
	svc, store, fp := newTestService(t)
	seedAccount(store, "acct_1", models.TierFree, "0", "0")

	_, err := svc.StartCreditPurchase(context.Background(), "acct_1", d("25"))
	assert.ErrorIs(t, err, ErrPurchaseNotAllowed)
	assert.Empty(t, fp.checkouts)
}

func TestService_StartSubscription(t *testing.T) {
	svc, store, fp := newTestService(t)
	seedAccount(store, "acct_1", models.TierFree, "0", "0")
	ctx := context.Background()

	_, err := svc.StartSubscription(ctx, "acct_1", models.TierPro)
	require.NoError(t, err)
	require.Len(t, fp.subscribes, 1)
	assert.Equal(t, "price_pro_monthly", fp.subscribes[0].PriceID)
	assert.Equal(t, int64(7), fp.subscribes[0].TrialDays)

	_, err = svc.StartSubscription(ctx, "acct_1", models.TierFree)
	assert.ErrorIs(t, err, ErrTierNotForSale)

	_, err = svc.StartSubscription(ctx, "acct_1", "platinum")
	assert.ErrorIs(t, err, credits.ErrTierNotFound)
}

func TestService_NoSecondTrial(t *testing.T) {
	svc, store, fp := newTestService(t)
	store.Put(&models.CreditAccount{AccountID: "acct_1", Tier: models.TierFree, TrialStatus: models.TrialCancelled})

	_, err := svc.StartSubscription(context.Background(), "acct_1", models.TierPro)
	require.NoError(t, err)
	assert.Zero(t, fp.subscribes[0].TrialDays)
}

func TestService_CancelSubscription(t *testing.T) {
	svc, store, fp := newTestService(t)
	ctx := context.Background()
	store.Put(&models.CreditAccount{AccountID: "acct_none", Tier: models.TierFree})
	store.Put(&models.CreditAccount{AccountID: "acct_sub", Tier: models.TierPro, ProviderSubscriptionID: "sub_9"})

	assert.ErrorIs(t, svc.CancelSubscription(ctx, "acct_none"), ErrNoSubscription)
	require.NoError(t, svc.CancelSubscription(ctx, "acct_sub"))
	assert.Equal(t, []string{"sub_9"}, fp.cancelled)
}

func TestService_ProviderUnavailable(t *testing.T) {
	svc, store, fp := newTestService(t)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	fp.err = &breaker.OpenError{Name: "stripe", RetryAfter: time.Minute}

	_, err := svc.StartCreditPurchase(context.Background(), "acct_1", d("25"))
	assert.ErrorIs(t, err, breaker.ErrOpen)

	_, err = svc.PortalURL(context.Background(), "acct_1")
	assert.ErrorIs(t, err, breaker.ErrOpen)

	_, ok := store.Purchase("cs_1")
	assert.False(t, ok, "no purchase is recorded without a session")
}
