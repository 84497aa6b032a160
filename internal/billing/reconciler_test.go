package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReconciler(t *testing.T, cfg ReconcilerConfig) (*Reconciler, *credits.MemoryStore, *fakeProvider, *recordingPublisher) {
	t.Helper()
	l, store := newTestLedger()
	fp := newFakeProvider()
	pub := &recordingPublisher{}
	r := NewReconciler(cfg, l, fp, zap.NewNop())
	r.SetPublisher(pub)
	return r, store, fp, pub
}

func TestReconcileFailedPayments(t *testing.T) {
	r, store, fp, pub := newTestReconciler(t, ReconcilerConfig{PendingTimeout: time.Hour})
	ctx := context.Background()
	seedAccount(store, "acct_1", models.TierPro, "0", "0")

	createPending(t, store, "acct_1", "cs_paid", "20", 2*time.Hour)
	createPending(t, store, "acct_1", "cs_expired", "10", 2*time.Hour)
	createPending(t, store, "acct_1", "cs_open", "10", 2*time.Hour)
	createPending(t, store, "acct_1", "cs_recent", "10", time.Minute)
	fp.setSession(provider.CheckoutSession{ID: "cs_paid", Status: provider.SessionComplete, Paid: true})
	fp.setSession(provider.CheckoutSession{ID: "cs_expired", Status: provider.SessionExpired})
	fp.setSession(provider.CheckoutSession{ID: "cs_open", Status: provider.SessionOpen})
	fp.setSession(provider.CheckoutSession{ID: "cs_recent", Status: provider.SessionComplete, Paid: true})

	rep := r.ReconcileFailedPayments(ctx)
	require.Empty(t, rep.Errors)
	assert.Equal(t, 3, rep.Examined)
	assert.Equal(t, 2, rep.Repaired)

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "20", acct.NonExpiringPool)

	status := func(id string) models.PurchaseStatus {
		p, ok := store.Purchase(id)
		require.True(t, ok)
		return p.Status
	}
	assert.Equal(t, models.PurchaseCompleted, status("cs_paid"))
	assert.Equal(t, models.PurchaseFailed, status("cs_expired"))
	assert.Equal(t, models.PurchasePending, status("cs_open"))
	assert.Equal(t, models.PurchasePending, status("cs_recent"))
	assert.Contains(t, pub.Types(), events.EventPurchaseExpired)

	// Running again changes nothing.
	rep = r.ReconcileFailedPayments(ctx)
	assert.Equal(t, 0, rep.Repaired)
	acct, err = store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "20", acct.NonExpiringPool)
}

func TestReconcileFailedPayments_WebhookAndSweepCreditOnce(t *testing.T) {
	r, store, fp, _ := newTestReconciler(t, ReconcilerConfig{PendingTimeout: time.Hour})
	ctx := context.Background()
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	createPending(t, store, "acct_1", "cs_1", "20", 2*time.Hour)
	fp.setSession(provider.CheckoutSession{ID: "cs_1", Status: provider.SessionComplete, Paid: true})

	rep := r.ReconcileFailedPayments(ctx)
	require.Equal(t, 1, rep.Repaired)

	// The late webhook finds the purchase settled.
	handler := NewWebhookHandler(WebhookConfig{Secret: testWebhookSecret}, r.ledger, testTiers(t), nil, zap.NewNop(), nil)
	payload := eventPayload(t, "evt_late", "checkout.session.completed", creditSession("cs_1", "acct_1", "20.00", "paid"))
	require.Equal(t, 200, deliver(t, handler, payload))

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "20", acct.Balance)
}

func TestReconcileFailedPayments_OpenCircuitStopsSweep(t *testing.T) {
	r, store, fp, _ := newTestReconciler(t, ReconcilerConfig{PendingTimeout: time.Hour, Concurrency: 1})
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	createPending(t, store, "acct_1", "cs_1", "20", 3*time.Hour)
	createPending(t, store, "acct_1", "cs_2", "20", 2*time.Hour)
	fp.err = &breaker.OpenError{Name: "stripe", RetryAfter: time.Minute}

	rep := r.ReconcileFailedPayments(context.Background())
	require.NotEmpty(t, rep.Errors)

	var recErr *ReconciliationError
	require.True(t, errors.As(rep.Errors[0], &recErr))
	assert.Equal(t, SweepFailedPayments, recErr.Sweep)
	assert.ErrorIs(t, rep.Errors[0], breaker.ErrOpen)
	assert.Equal(t, 0, rep.Repaired)
}

func TestVerifyBalanceConsistency(t *testing.T) {
	r, store, _, pub := newTestReconciler(t, ReconcilerConfig{RepairDrift: true})
	ctx := context.Background()
	seedAccount(store, "acct_ok", models.TierFree, "0", "5")
	store.Put(&models.CreditAccount{
		AccountID:       "acct_drift",
		Tier:            models.TierPro,
		Balance:         d("9"),
		DailyPool:       d("1"),
		ExpiringPool:    d("2"),
		NonExpiringPool: d("3"),
	})

	rep := r.VerifyBalanceConsistency(ctx)
	require.Empty(t, rep.Errors)
	assert.Equal(t, 2, rep.Examined)
	assert.Equal(t, 1, rep.Flagged)
	assert.Equal(t, 1, rep.Repaired)

	acct, err := store.GetAccount(ctx, "acct_drift")
	require.NoError(t, err)
	assert.True(t, acct.Consistent())
	assertDecimal(t, "6", acct.Balance)
	assertDecimal(t, "1", acct.DailyPool, "pools are the source of truth")

	adjustments := entriesOfType(t, store, "acct_drift", models.EntryAdjustment)
	require.Len(t, adjustments, 1)
	assert.Equal(t, "9", adjustments[0].Metadata["balance_before"])
	assert.Contains(t, pub.Types(), events.EventDriftDetected)

	rep = r.VerifyBalanceConsistency(ctx)
	assert.Equal(t, 0, rep.Flagged)
}

func TestVerifyBalanceConsistency_ReportOnly(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, ReconcilerConfig{RepairDrift: false})
	store.Put(&models.CreditAccount{AccountID: "acct_drift", Tier: models.TierFree, Balance: d("1")})

	rep := r.VerifyBalanceConsistency(context.Background())
	assert.Equal(t, 1, rep.Flagged)
	assert.Equal(t, 0, rep.Repaired)

	acct, err := store.GetAccount(context.Background(), "acct_drift")
	require.NoError(t, err)
	assert.False(t, acct.Consistent())
}

func TestDetectDoubleCharges(t *testing.T) {
	r, store, _, pub := newTestReconciler(t, ReconcilerConfig{})
	ctx := context.Background()
	seedAccount(store, "acct_1", models.TierPro, "0", "0")

	for i := 0; i < 2; i++ {
		_, err := r.ledger.Add(ctx, credits.AddRequest{
			AccountID:       "acct_1",
			Amount:          d("20"),
			Type:            models.EntryPurchase,
			ProviderEventID: "cs_dup",
		})
		require.NoError(t, err)
	}
	_, err := r.ledger.Add(ctx, credits.AddRequest{
		AccountID:       "acct_1",
		Amount:          d("5"),
		Type:            models.EntryPurchase,
		ProviderEventID: "cs_single",
	})
	require.NoError(t, err)

	rep := r.DetectDoubleCharges(ctx)
	require.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.Flagged)
	assert.Contains(t, pub.Types(), events.EventDoubleChargeDetected)

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "45", acct.Balance, "detection never reverses entries")
}

func TestCleanupExpiredCredits(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, ReconcilerConfig{ExpiryGrace: time.Hour})
	ctx := context.Background()

	lapsed := time.Now().UTC().Add(-3 * time.Hour)
	grace := time.Now().UTC().Add(-10 * time.Minute)
	future := time.Now().UTC().Add(24 * time.Hour)
	put := func(id string, end *time.Time) {
		acct := &models.CreditAccount{
			AccountID:       id,
			Tier:            models.TierPro,
			ExpiringPool:    d("30"),
			NonExpiringPool: d("2"),
			PeriodEndsAt:    end,
		}
		acct.Recompute()
		store.Put(acct)
	}
	put("acct_lapsed", &lapsed)
	put("acct_grace", &grace)
	put("acct_current", &future)
	put("acct_none", nil)

	rep := r.CleanupExpiredCredits(ctx)
	require.Empty(t, rep.Errors)
	assert.Equal(t, 4, rep.Examined)
	assert.Equal(t, 1, rep.Repaired)

	acct, err := store.GetAccount(ctx, "acct_lapsed")
	require.NoError(t, err)
	assert.True(t, acct.ExpiringPool.IsZero())
	assertDecimal(t, "2", acct.Balance)

	for _, id := range []string{"acct_grace", "acct_current", "acct_none"} {
		acct, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assertDecimal(t, "30", acct.ExpiringPool, id)
	}

	rep = r.CleanupExpiredCredits(ctx)
	assert.Equal(t, 0, rep.Repaired)
	assert.Len(t, entriesOfType(t, store, "acct_lapsed", models.EntryAdjustment), 1)
}

func TestReconciler_RunPagesAndReports(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, ReconcilerConfig{BatchSize: 2, RepairDrift: true})
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		seedAccount(store, id, models.TierFree, "0", "1")
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Sweeps, 4)

	names := make([]string, 0, len(report.Sweeps))
	for _, s := range report.Sweeps {
		names = append(names, s.Sweep)
	}
	assert.Equal(t, []string{SweepFailedPayments, SweepBalances, SweepDoubleCharges, SweepExpiredCredits}, names)
	assert.Equal(t, 5, report.Sweeps[1].Examined)
}

func TestReconciler_RunStopsWhenCancelled(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, ReconcilerConfig{})
	seedAccount(store, "acct_1", models.TierFree, "0", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Sweeps)
}
