package billing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWebhookHandler(t *testing.T) (*WebhookHandler, *recordingPublisher) {
	t.Helper()
	l, _ := newTestLedger()
	pub := &recordingPublisher{}
	h := NewWebhookHandler(WebhookConfig{Secret: testWebhookSecret, TrialCredits: d("5")}, l, testTiers(t), nil, zap.NewNop(), pub)
	return h, pub
}

func TestWebhookHandler_HandleWebhook_SignatureVerification(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	valid := eventPayload(t, "evt_123", "unknown.event", map[string]any{"id": "obj_1"})

	tests := []struct {
		name           string
		payload        []byte
		signature      string
		expectedStatus int
	}{
		{
			name:           "No signature",
			payload:        []byte(`{}`),
			signature:      "",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid signature",
			payload:        []byte(`{}`),
			signature:      "t=123,v1=invalid",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Signed with another secret",
			payload:        valid,
			signature:      generateSignature(t, valid, "whsec_other"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Valid signature",
			payload:        valid,
			signature:      generateSignature(t, valid, testWebhookSecret),
			expectedStatus: http.StatusOK, // Unknown event type returns 200
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(tt.payload))
			if tt.signature != "" {
				req.Header.Set("Stripe-Signature", tt.signature)
			}
			w := httptest.NewRecorder()

			handler.HandleWebhook(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestWebhookHandler_VerifyEvent(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)

	_, err := handler.VerifyEvent([]byte(`{}`), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrWebhookSignatureInvalid)
}

func TestWebhookHandler_CreditPurchase(t *testing.T) {
	handler, pub := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "1")
	createPending(t, store, "acct_1", "cs_1", "20", 0)

	payload := eventPayload(t, "evt_cs_1", "checkout.session.completed", creditSession("cs_1", "acct_1", "20.00", "paid"))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "21", acct.NonExpiringPool)
	assertDecimal(t, "21", acct.Balance)

	p, ok := store.Purchase("cs_1")
	require.True(t, ok)
	assert.Equal(t, models.PurchaseCompleted, p.Status)

	purchases := entriesOfType(t, store, "acct_1", models.EntryPurchase)
	require.Len(t, purchases, 1)
	assert.Equal(t, "cs_1", purchases[0].ProviderEventID)
	assert.False(t, purchases[0].IsExpiring)
	assert.Contains(t, pub.Types(), events.EventCreditsPurchased)
}

func TestWebhookHandler_ReplayIsIdempotent(t *testing.T) {
	handler, pub := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierFree, "0", "0")

	payload := eventPayload(t, "evt_sub_1", "customer.subscription.created", subscriptionObject("sub_1", "acct_1", "active", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))

	// A second instance has no reservation for the event; the ledger claim
	// must still reject it.
	other := NewWebhookHandler(handler.cfg, handler.ledger, handler.tiers, nil, zap.NewNop(), pub)
	require.Equal(t, http.StatusOK, deliver(t, other, payload))

	invoice := eventPayload(t, "evt_in_1", "invoice.payment_succeeded", invoiceObject("in_1", "acct_1", "sub_1", "price_pro_monthly", 5000))
	require.Equal(t, http.StatusOK, deliver(t, handler, invoice))
	require.Equal(t, http.StatusOK, deliver(t, other, invoice))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, acct.Tier)
	assertDecimal(t, "50", acct.ExpiringPool)
	assert.Len(t, entriesOfType(t, store, "acct_1", models.EntryPurchase), 1)

	tierChanges := 0
	for _, typ := range pub.Types() {
		if typ == events.EventTierChanged {
			tierChanges++
		}
	}
	assert.Equal(t, 1, tierChanges)
}

func TestWebhookHandler_PurchaseAlreadySettled(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	createPending(t, store, "acct_1", "cs_1", "20", 0)

	first := eventPayload(t, "evt_a", "checkout.session.completed", creditSession("cs_1", "acct_1", "20.00", "paid"))
	second := eventPayload(t, "evt_b", "checkout.session.completed", creditSession("cs_1", "acct_1", "20.00", "paid"))
	require.Equal(t, http.StatusOK, deliver(t, handler, first))
	require.Equal(t, http.StatusOK, deliver(t, handler, second))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "20", acct.NonExpiringPool)
}

func TestWebhookHandler_UnpaidCheckoutIsNotCredited(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	createPending(t, store, "acct_1", "cs_1", "20", 0)

	payload := eventPayload(t, "evt_a", "checkout.session.completed", creditSession("cs_1", "acct_1", "20.00", "unpaid"))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	p, _ := store.Purchase("cs_1")
	assert.Equal(t, models.PurchasePending, p.Status)
}

func TestWebhookHandler_CheckoutExpired(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	createPending(t, store, "acct_1", "cs_1", "20", 0)

	payload := eventPayload(t, "evt_exp", "checkout.session.expired", creditSession("cs_1", "acct_1", "20.00", "unpaid"))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))

	p, _ := store.Purchase("cs_1")
	assert.Equal(t, models.PurchaseFailed, p.Status)
}

func TestWebhookHandler_TrialLifecycle(t *testing.T) {
	handler, pub := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierFree, "0", "0")
	ctx := context.Background()

	trialing := eventPayload(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "acct_1", "trialing", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, trialing))

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, acct.Tier)
	assert.Equal(t, models.TrialActive, acct.TrialStatus)
	require.NotNil(t, acct.TrialEndsAt)
	assertDecimal(t, "5", acct.ExpiringPool)

	// An update while still trialing does not grant again.
	stillTrialing := eventPayload(t, "evt_2", "customer.subscription.updated", subscriptionObject("sub_1", "acct_1", "trialing", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, stillTrialing))
	assert.Len(t, entriesOfType(t, store, "acct_1", models.EntryTrialGrant), 1)

	active := eventPayload(t, "evt_3", "customer.subscription.updated", subscriptionObject("sub_1", "acct_1", "active", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, active))

	acct, err = store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, models.TrialConverted, acct.TrialStatus)
	assert.Equal(t, "sub_1", acct.ProviderSubscriptionID)

	types := pub.Types()
	assert.Contains(t, types, events.EventTierChanged)
	assert.Contains(t, types, events.EventTrialStarted)
	assert.Contains(t, types, events.EventTrialEnded)
}

func TestWebhookHandler_TrialCancelled(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierFree, "0", "3")

	trialing := eventPayload(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "acct_1", "trialing", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, trialing))
	deleted := eventPayload(t, "evt_2", "customer.subscription.deleted", subscriptionObject("sub_1", "acct_1", "canceled", "price_pro_monthly"))
	require.Equal(t, http.StatusOK, deliver(t, handler, deleted))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, acct.Tier)
	assert.Equal(t, models.TrialCancelled, acct.TrialStatus)
	assert.Empty(t, acct.ProviderSubscriptionID)
	assert.True(t, acct.ExpiringPool.IsZero())
	assertDecimal(t, "3", acct.Balance, "purchased credit survives")
}

func TestWebhookHandler_RenewalResetsExpiringPool(t *testing.T) {
	handler, pub := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "12.5", "4")

	renewal := eventPayload(t, "evt_in_2", "invoice.payment_succeeded", invoiceObject("in_2", "acct_1", "sub_1", "price_pro_monthly", 5000))
	require.Equal(t, http.StatusOK, deliver(t, handler, renewal))

	acct, err := store.GetAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	assertDecimal(t, "50", acct.ExpiringPool)
	assertDecimal(t, "54", acct.Balance)
	require.NotNil(t, acct.PeriodEndsAt)

	grants := entriesOfType(t, store, "acct_1", models.EntryPurchase)
	require.Len(t, grants, 1)
	assertDecimal(t, "37.5", grants[0].Amount)
	assert.Equal(t, "in_2", grants[0].ProviderEventID)
	assert.Contains(t, pub.Types(), events.EventCreditsGranted)
}

func TestWebhookHandler_ZeroInvoiceGrantsNothing(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")

	payload := eventPayload(t, "evt_in_0", "invoice.payment_succeeded", invoiceObject("in_0", "acct_1", "sub_1", "price_pro_monthly", 0))
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))
	assert.Empty(t, entriesOfType(t, store, "acct_1", models.EntryPurchase))
}

func TestWebhookHandler_UnknownPriceIsRetried(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierFree, "0", "0")

	payload := eventPayload(t, "evt_1", "customer.subscription.updated", subscriptionObject("sub_1", "acct_1", "active", "price_unknown"))
	assert.Equal(t, http.StatusInternalServerError, deliver(t, handler, payload))

	// The failed attempt released its reservation.
	assert.Equal(t, http.StatusInternalServerError, deliver(t, handler, payload))
}

func TestWebhookHandler_UnmatchedCustomerIsAcknowledged(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)

	payload := eventPayload(t, "evt_pf", "payment_intent.payment_failed", map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"customer": "cus_nobody",
	})
	assert.Equal(t, http.StatusOK, deliver(t, handler, payload))
}

func TestWebhookHandler_PaymentFailedPublishes(t *testing.T) {
	handler, pub := newTestWebhookHandler(t)
	store := handler.ledger.Store().(*credits.MemoryStore)
	seedAccount(store, "acct_1", models.TierPro, "0", "0")

	payload := eventPayload(t, "evt_pf", "payment_intent.payment_failed", map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"customer": "cus_acct_1",
		"amount":   2000,
		"currency": "usd",
		"last_payment_error": map[string]any{
			"code":    "card_declined",
			"message": "Your card was declined.",
		},
	})
	require.Equal(t, http.StatusOK, deliver(t, handler, payload))

	require.Contains(t, pub.Types(), events.EventPaymentFailed)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "acct_1", pub.events[0].AccountID)
	assert.Equal(t, "card_declined", pub.events[0].Payload["failure_code"])
}

func TestWebhookHandler_RedisReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	l, store := newTestLedger()
	seedAccount(store, "acct_1", models.TierPro, "0", "0")
	handler := NewWebhookHandler(WebhookConfig{Secret: testWebhookSecret}, l, testTiers(t), c, zap.NewNop(), nil)

	t.Run("success marks processed", func(t *testing.T) {
		payload := eventPayload(t, "evt_ok", "unknown.event", map[string]any{"id": "x"})
		require.Equal(t, http.StatusOK, deliver(t, handler, payload))

		v, err := mr.Get("webhooks:stripe:evt_ok")
		require.NoError(t, err)
		assert.Equal(t, "processed", v)
		assert.Equal(t, webhookProcessedTTL, mr.TTL("webhooks:stripe:evt_ok"))
	})

	t.Run("in-flight event is acknowledged without processing", func(t *testing.T) {
		require.NoError(t, mr.Set("webhooks:stripe:evt_busy", "processing"))
		payload := eventPayload(t, "evt_busy", "checkout.session.completed", creditSession("cs_busy", "acct_1", "20.00", "paid"))
		require.Equal(t, http.StatusOK, deliver(t, handler, payload))

		acct, err := store.GetAccount(context.Background(), "acct_1")
		require.NoError(t, err)
		assert.True(t, acct.Balance.IsZero())
	})

	t.Run("failure releases the reservation", func(t *testing.T) {
		store.FailCommits(errors.New("db down"))
		payload := eventPayload(t, "evt_retry", "checkout.session.completed", creditSession("cs_retry", "acct_1", "20.00", "paid"))
		require.Equal(t, http.StatusInternalServerError, deliver(t, handler, payload))
		assert.False(t, mr.Exists("webhooks:stripe:evt_retry"))

		store.FailCommits(nil)
		require.Equal(t, http.StatusOK, deliver(t, handler, payload))

		acct, err := store.GetAccount(context.Background(), "acct_1")
		require.NoError(t, err)
		assertDecimal(t, "20", acct.NonExpiringPool)
	})
}
