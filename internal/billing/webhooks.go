package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	// Stripe recommends rejecting bodies above 64KB.
	maxWebhookBodyBytes = 65536
)

var (
	// ErrWebhookSignatureInvalid means the payload was not signed with the
	// configured secret. Nothing is processed.
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")

	errEventAlreadyClaimed = errors.New("event already claimed")
	errAccountUnmatched    = errors.New("no credit account matches event")
)

// Webhook outcomes, used as metric labels.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeUnmatched = "unmatched"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid_signature"
)

// WebhookConfig configures a WebhookHandler.
type WebhookConfig struct {
	// Secret is the Stripe webhook signing secret.
	Secret string

	// TrialCredits is granted once, as expiring credit, when a subscription
	// enters its trial.
	TrialCredits decimal.Decimal
}

// WebhookHandler turns Stripe webhook events into ledger mutations.
//
// Every event is verified against the signing secret before anything else
// happens. Deduplication is two-layered:
// - a Redis SETNX reservation (or an in-memory map without Redis) drops
//   concurrent deliveries of the same event early
// - the event id is claimed in credit_webhook_events inside the same
//   transaction as the ledger mutation it causes, so a replay can never
//   produce a second mutation
//
// Handled events:
// - checkout.session.completed: credit purchases, subscription links
// - checkout.session.expired: abandoned credit purchases
// - customer.subscription.created / updated: tier changes and trials
// - customer.subscription.deleted: downgrade to free
// - invoice.payment_succeeded: monthly expiring credit grant
// - payment_intent.payment_failed: notification only
//
// Unknown event types are acknowledged so Stripe stops retrying them.
type WebhookHandler struct {
	cfg    WebhookConfig
	ledger *credits.Ledger
	tiers  *config.TierCatalog

	// cache provides distributed reservation of in-flight events
	cache *cache.Cache

	eventBus events.Publisher
	logger   *zap.Logger

	// processedEvents is the reservation fallback when Redis is not configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient and
// eventBus may be nil.
func NewWebhookHandler(cfg WebhookConfig, ledger *credits.Ledger, tiers *config.TierCatalog, cacheClient *cache.Cache, logger *zap.Logger, eventBus events.Publisher) *WebhookHandler {
	if eventBus == nil {
		eventBus = events.Discard
	}
	return &WebhookHandler{
		cfg:             cfg,
		ledger:          ledger,
		tiers:           tiers,
		cache:           cacheClient,
		eventBus:        eventBus,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook processes one Stripe delivery.
//
// HTTP Response Codes:
// - 200 OK: processed, replayed, or deliberately ignored
// - 400 Bad Request: unreadable body or invalid signature
// - 500 Internal Server Error: processing failed, Stripe will retry
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	event, err := h.VerifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", outcomeInvalid).Inc()
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	reserved, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !reserved {
		metrics.WebhookEvents.WithLabelValues(string(event.Type), outcomeDuplicate).Inc()
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome, err := h.ProcessEvent(ctx, event)
	h.finalizeEvent(ctx, event.ID, err == nil)
	metrics.WebhookEvents.WithLabelValues(string(event.Type), outcome).Inc()

	if err != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// VerifyEvent checks the Stripe signature and decodes the event.
func (h *WebhookHandler) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, h.cfg.Secret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
	}
	return event, nil
}

// ProcessEvent applies a verified event and reports the outcome.
func (h *WebhookHandler) ProcessEvent(ctx context.Context, event stripe.Event) (string, error) {
	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(ctx, event)
	case "checkout.session.expired":
		err = h.handleCheckoutExpired(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		err = h.handleInvoicePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		err = h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Info("received unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return outcomeIgnored, nil
	}

	switch {
	case errors.Is(err, errEventAlreadyClaimed):
		h.logger.Info("webhook event already applied",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return outcomeDuplicate, nil
	case errors.Is(err, errAccountUnmatched):
		// Retrying cannot help; acknowledge and leave a trace.
		h.logger.Warn("webhook event does not match a credit account",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return outcomeUnmatched, nil
	case err != nil:
		return outcomeFailed, err
	}
	return outcomeProcessed, nil
}

// apply runs fn under the account lock after claiming the event id in the
// same transaction.
func (h *WebhookHandler) apply(ctx context.Context, event stripe.Event, accountID string, fn func(m *credits.Mutation) error) error {
	return h.ledger.Mutate(ctx, accountID, func(m *credits.Mutation) error {
		claimed, err := m.ClaimEvent(ctx, event.ID, string(event.Type))
		if err != nil {
			return err
		}
		if !claimed {
			return errEventAlreadyClaimed
		}
		return fn(m)
	})
}

func (h *WebhookHandler) resolveAccount(ctx context.Context, metadata map[string]string, customer *stripe.Customer) (string, error) {
	if id := metadata[provider.MetadataAccountID]; id != "" {
		return id, nil
	}
	if customer == nil || customer.ID == "" {
		return "", fmt.Errorf("%w: no account metadata or customer", errAccountUnmatched)
	}
	acct, err := h.ledger.Store().GetAccountByCustomerID(ctx, customer.ID)
	if errors.Is(err, credits.ErrAccountNotFound) {
		return "", fmt.Errorf("%w: customer %s", errAccountUnmatched, customer.ID)
	}
	if err != nil {
		return "", err
	}
	return acct.AccountID, nil
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	accountID, err := h.resolveAccount(ctx, session.Metadata, session.Customer)
	if err != nil {
		return err
	}

	if session.Mode == stripe.CheckoutSessionModeSubscription {
		return h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
			acct := m.Account()
			if session.Customer != nil && acct.ProviderCustomerID == "" {
				acct.ProviderCustomerID = session.Customer.ID
			}
			if session.Subscription != nil {
				acct.ProviderSubscriptionID = session.Subscription.ID
			}
			return nil
		})
	}

	if session.Metadata[provider.MetadataKind] != provider.KindCreditPurchase {
		return nil
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods complete the session before the money
		// arrives; the reconciler settles these once the provider confirms.
		h.logger.Info("credit checkout completed without payment",
			zap.String("account_id", accountID),
			zap.String("session_id", session.ID),
			zap.String("payment_status", string(session.PaymentStatus)),
		)
		return nil
	}

	amount, err := decimal.NewFromString(session.Metadata[provider.MetadataCredits])
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("checkout session %s has invalid credit amount %q", session.ID, session.Metadata[provider.MetadataCredits])
	}

	var credited bool
	err = h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
		var err error
		credited, err = creditPurchase(ctx, m, session.ID, amount, map[string]any{"event_id": event.ID})
		return err
	})
	if err != nil {
		return err
	}

	if credited {
		h.logger.Info("credit purchase completed",
			zap.String("account_id", accountID),
			zap.String("session_id", session.ID),
			zap.String("amount", amount.String()),
		)
		h.publish(ctx, events.EventCreditsPurchased, accountID, map[string]interface{}{
			"amount":     amount.StringFixed(2),
			"session_id": session.ID,
		})
	}
	return nil
}

// creditPurchase settles the pending purchase for sessionID and credits the
// non-expiring pool, unless the purchase was already settled. The session
// id is the entry's provider reference, shared with the reconciler.
func creditPurchase(ctx context.Context, m *credits.Mutation, sessionID string, amount decimal.Decimal, metadata map[string]any) (bool, error) {
	previous, err := m.SettlePurchase(ctx, sessionID, models.PurchaseCompleted)
	switch {
	case errors.Is(err, credits.ErrPurchaseNotFound):
		// checkout created outside this service; the event claim still
		// guards against replays
	case err != nil:
		return false, err
	case previous != models.PurchasePending:
		return false, nil
	}

	desc := fmt.Sprintf("Purchased $%s credits", amount.StringFixed(2))
	if err := m.Credit(amount, models.EntryPurchase, desc, false, sessionID, metadata); err != nil {
		return false, err
	}
	return true, nil
}

func (h *WebhookHandler) handleCheckoutExpired(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if session.Metadata[provider.MetadataKind] != provider.KindCreditPurchase {
		return nil
	}
	accountID, err := h.resolveAccount(ctx, session.Metadata, session.Customer)
	if err != nil {
		return err
	}

	return h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
		_, err := m.SettlePurchase(ctx, session.ID, models.PurchaseFailed)
		if errors.Is(err, credits.ErrPurchaseNotFound) {
			return nil
		}
		return err
	})
}

func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return h.handleSubscriptionEnded(ctx, event, &sub)
	case stripe.SubscriptionStatusIncomplete:
		// Not paid yet; the tier changes once it becomes active.
		return nil
	}

	priceID := subscriptionPriceID(&sub)
	tier, ok := h.tiers.ByPriceID(priceID)
	if !ok {
		return fmt.Errorf("subscription %s price %q: %w", sub.ID, priceID, config.ErrTierNotFound)
	}
	accountID, err := h.resolveAccount(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}

	var previousTier models.Tier
	var trialStarted, trialConverted bool
	err = h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
		acct := m.Account()
		previousTier = acct.Tier
		acct.Tier = tier.Name
		acct.ProviderSubscriptionID = sub.ID
		if sub.Customer != nil && acct.ProviderCustomerID == "" {
			acct.ProviderCustomerID = sub.Customer.ID
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			acct.PeriodEndsAt = &end
		}

		switch {
		case sub.Status == stripe.SubscriptionStatusTrialing && acct.TrialStatus == models.TrialNone:
			trialStarted = true
			acct.TrialStatus = models.TrialActive
			if sub.TrialEnd > 0 {
				end := time.Unix(sub.TrialEnd, 0).UTC()
				acct.TrialEndsAt = &end
			}
			if h.cfg.TrialCredits.IsPositive() {
				desc := fmt.Sprintf("%s trial credits", tier.DisplayName)
				return m.Credit(h.cfg.TrialCredits, models.EntryTrialGrant, desc, true, sub.ID+":trial", map[string]any{"event_id": event.ID})
			}
		case sub.Status == stripe.SubscriptionStatusActive && acct.TrialStatus == models.TrialActive:
			trialConverted = true
			acct.TrialStatus = models.TrialConverted
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("subscription applied",
		zap.String("account_id", accountID),
		zap.String("subscription_id", sub.ID),
		zap.String("status", string(sub.Status)),
		zap.String("tier", string(tier.Name)),
	)
	if previousTier != tier.Name {
		h.publish(ctx, events.EventTierChanged, accountID, map[string]interface{}{
			"from": string(previousTier),
			"to":   string(tier.Name),
		})
	}
	if trialStarted {
		h.publish(ctx, events.EventTrialStarted, accountID, map[string]interface{}{
			"tier":          string(tier.Name),
			"trial_credits": h.cfg.TrialCredits.String(),
		})
	}
	if trialConverted {
		h.publish(ctx, events.EventTrialEnded, accountID, map[string]interface{}{
			"outcome": string(models.TrialConverted),
		})
	}
	return nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return h.handleSubscriptionEnded(ctx, event, &sub)
}

// handleSubscriptionEnded moves the account back to the free tier and
// forfeits the remaining expiring credit.
func (h *WebhookHandler) handleSubscriptionEnded(ctx context.Context, event stripe.Event, sub *stripe.Subscription) error {
	accountID, err := h.resolveAccount(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}

	var previousTier models.Tier
	var trialCancelled bool
	err = h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
		acct := m.Account()
		if acct.ProviderSubscriptionID != "" && acct.ProviderSubscriptionID != sub.ID {
			// an older subscription ending does not affect the current one
			return nil
		}
		previousTier = acct.Tier
		acct.Tier = models.TierFree
		acct.ProviderSubscriptionID = ""
		acct.PeriodEndsAt = nil
		if acct.TrialStatus == models.TrialActive {
			trialCancelled = true
			acct.TrialStatus = models.TrialCancelled
		}
		if acct.ExpiringPool.IsZero() {
			return nil
		}
		_, err := m.ResetExpiring(decimal.Zero, models.EntryAdjustment, "Subscription ended", "", map[string]any{
			"event_id":        event.ID,
			"subscription_id": sub.ID,
		})
		return err
	})
	if err != nil {
		return err
	}

	h.logger.Info("subscription ended",
		zap.String("account_id", accountID),
		zap.String("subscription_id", sub.ID),
	)
	if previousTier != "" && previousTier != models.TierFree {
		h.publish(ctx, events.EventTierChanged, accountID, map[string]interface{}{
			"from": string(previousTier),
			"to":   string(models.TierFree),
		})
	}
	if trialCancelled {
		h.publish(ctx, events.EventTrialEnded, accountID, map[string]interface{}{
			"outcome": string(models.TrialCancelled),
		})
	}
	return nil
}

func (h *WebhookHandler) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Subscription == nil || invoice.Lines == nil || len(invoice.Lines.Data) == 0 {
		return nil
	}
	if invoice.AmountPaid == 0 {
		// $0 invoices open a trial; the trial grant covers it.
		return nil
	}

	line := invoice.Lines.Data[0]
	if line.Price == nil {
		return nil
	}
	tier, ok := h.tiers.ByPriceID(line.Price.ID)
	if !ok {
		return fmt.Errorf("invoice %s price %q: %w", invoice.ID, line.Price.ID, config.ErrTierNotFound)
	}
	if !tier.MonthlyCredits.IsPositive() {
		return nil
	}
	accountID, err := h.resolveAccount(ctx, nil, invoice.Customer)
	if err != nil {
		return err
	}

	var total decimal.Decimal
	err = h.apply(ctx, event, accountID, func(m *credits.Mutation) error {
		acct := m.Account()
		acct.Tier = tier.Name
		acct.ProviderSubscriptionID = invoice.Subscription.ID
		if line.Period != nil && line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			acct.PeriodEndsAt = &end
		}
		desc := fmt.Sprintf("%s monthly credits", tier.DisplayName)
		if _, err := m.ResetExpiring(tier.MonthlyCredits, models.EntryPurchase, desc, invoice.ID, map[string]any{
			"event_id":    event.ID,
			"amount_paid": invoice.AmountPaid,
		}); err != nil {
			return err
		}
		total = acct.Balance
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("subscription credits granted",
		zap.String("account_id", accountID),
		zap.String("invoice_id", invoice.ID),
		zap.String("tier", string(tier.Name)),
		zap.String("amount", tier.MonthlyCredits.String()),
		zap.String("new_total", total.String()),
	)
	h.publish(ctx, events.EventCreditsGranted, accountID, map[string]interface{}{
		"amount":     tier.MonthlyCredits.String(),
		"invoice_id": invoice.ID,
	})
	return nil
}

func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	accountID, err := h.resolveAccount(ctx, paymentIntent.Metadata, paymentIntent.Customer)
	if err != nil {
		return err
	}

	failureCode := ""
	failureMessage := ""
	if paymentIntent.LastPaymentError != nil {
		failureCode = string(paymentIntent.LastPaymentError.Code)
		failureMessage = paymentIntent.LastPaymentError.Msg
	}

	h.logger.Warn("payment failed",
		zap.String("account_id", accountID),
		zap.String("payment_intent_id", paymentIntent.ID),
		zap.String("failure_code", failureCode),
		zap.String("failure_message", failureMessage),
	)
	h.publish(ctx, events.EventPaymentFailed, accountID, map[string]interface{}{
		"payment_intent_id": paymentIntent.ID,
		"amount":            paymentIntent.Amount,
		"currency":          string(paymentIntent.Currency),
		"failure_code":      failureCode,
		"failure_message":   failureMessage,
	})
	return nil
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func (h *WebhookHandler) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if err := h.eventBus.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		h.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("event_type", string(t)),
			zap.String("account_id", accountID),
		)
	}
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook reservation",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
