package billing

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func testTiers(t *testing.T) *config.TierCatalog {
	t.Helper()
	c, err := config.NewTierCatalog([]config.TierConfig{
		{Name: models.TierNone, DisplayName: "No plan"},
		{
			Name:        models.TierFree,
			DisplayName: "Free",
			Models:      []string{"mock"},
			DailyCredits: &config.DailyCreditConfig{
				Enabled: true,
				Amount:  d("0.05"),
			},
		},
		{
			Name:               models.TierPro,
			DisplayName:        "Pro",
			MonthlyCredits:     decimal.NewFromInt(50),
			Models:             []string{"*"},
			PriceIDs:           []string{"price_pro_monthly"},
			CanPurchaseCredits: true,
		},
	})
	require.NoError(t, err)
	return c
}

func seedAccount(store *credits.MemoryStore, id string, tier models.Tier, expiring, nonExpiring string) {
	acct := &models.CreditAccount{
		AccountID:          id,
		Tier:               tier,
		ExpiringPool:       d(expiring),
		NonExpiringPool:    d(nonExpiring),
		TrialStatus:        models.TrialNone,
		ProviderCustomerID: "cus_" + id,
	}
	acct.Recompute()
	store.Put(acct)
}

func newTestLedger() (*credits.Ledger, *credits.MemoryStore) {
	store := credits.NewMemoryStore()
	return credits.NewLedger(store, nil, zap.NewNop()), store
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// eventPayload builds a Stripe event envelope around object.
func eventPayload(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func generateSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}

func deliver(t *testing.T, h *WebhookHandler, payload []byte) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", generateSignature(t, payload, testWebhookSecret))
	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)
	return w.Code
}

func creditSession(id, accountID, amount, paymentStatus string) map[string]any {
	return map[string]any{
		"id":             id,
		"object":         "checkout.session",
		"mode":           "payment",
		"status":         "complete",
		"payment_status": paymentStatus,
		"customer":       "cus_" + accountID,
		"metadata": map[string]string{
			provider.MetadataAccountID: accountID,
			provider.MetadataCredits:   amount,
			provider.MetadataKind:      provider.KindCreditPurchase,
		},
	}
}

func subscriptionObject(id, accountID, status, priceID string) map[string]any {
	now := time.Now()
	return map[string]any{
		"id":                 id,
		"object":             "subscription",
		"status":             status,
		"customer":           "cus_" + accountID,
		"metadata":           map[string]string{provider.MetadataAccountID: accountID},
		"trial_end":          now.Add(7 * 24 * time.Hour).Unix(),
		"current_period_end": now.Add(30 * 24 * time.Hour).Unix(),
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":     "si_" + id,
				"object": "subscription_item",
				"price":  map[string]any{"id": priceID, "object": "price"},
			}},
		},
	}
}

func invoiceObject(id, accountID, subscriptionID, priceID string, amountPaid int64) map[string]any {
	now := time.Now()
	return map[string]any{
		"id":           id,
		"object":       "invoice",
		"customer":     "cus_" + accountID,
		"subscription": subscriptionID,
		"amount_paid":  amountPaid,
		"lines": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":     "il_" + id,
				"object": "line_item",
				"price":  map[string]any{"id": priceID, "object": "price"},
				"period": map[string]any{"start": now.Unix(), "end": now.Add(30 * 24 * time.Hour).Unix()},
			}},
		},
	}
}

func createPending(t *testing.T, store *credits.MemoryStore, accountID, sessionID, amount string, age time.Duration) {
	t.Helper()
	require.NoError(t, store.CreatePurchase(context.Background(), &models.CreditPurchase{
		ID:                "pur_" + sessionID,
		AccountID:         accountID,
		ProviderSessionID: sessionID,
		Amount:            d(amount),
		Status:            models.PurchasePending,
		CreatedAt:         time.Now().UTC().Add(-age),
	}))
}

func entriesOfType(t *testing.T, store credits.Store, accountID string, typ models.EntryType) []models.LedgerEntry {
	t.Helper()
	all, err := store.ListEntries(context.Background(), accountID, 1000)
	require.NoError(t, err)
	var out []models.LedgerEntry
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeProvider is an in-memory provider.Client.
type fakeProvider struct {
	mu         sync.Mutex
	sessions   map[string]*provider.CheckoutSession
	customers  int
	cancelled  []string
	checkouts  []provider.CreditCheckoutRequest
	subscribes []provider.SubscriptionCheckoutRequest
	err        error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: make(map[string]*provider.CheckoutSession)}
}

func (f *fakeProvider) CreateCustomer(_ context.Context, accountID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.customers++
	return "cus_" + accountID, nil
}

func (f *fakeProvider) CreateCreditCheckout(_ context.Context, req provider.CreditCheckoutRequest) (*provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.checkouts = append(f.checkouts, req)
	s := &provider.CheckoutSession{
		ID:         fmt.Sprintf("cs_%d", len(f.checkouts)),
		URL:        "https://checkout.example.com",
		Status:     provider.SessionOpen,
		CustomerID: req.CustomerID,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeProvider) CreateSubscriptionCheckout(_ context.Context, req provider.SubscriptionCheckoutRequest) (*provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscribes = append(f.subscribes, req)
	return &provider.CheckoutSession{ID: "cs_sub", URL: "https://checkout.example.com", Status: provider.SessionOpen}, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, _, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, subscriptionID)
	return nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://billing.example.com/" + customerID, nil
}

func (f *fakeProvider) GetCheckoutSession(_ context.Context, sessionID string) (*provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such session %s", sessionID)
	}
	c := *s
	return &c, nil
}

func (f *fakeProvider) setSession(s provider.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
}
