package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/idempotency"
	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// Metadata keys attached to provider objects.
const (
	MetadataAccountID = "account_id"
	MetadataCredits   = "credit_amount"
	MetadataKind      = "kind"

	KindCreditPurchase = "credit_purchase"
	KindSubscription   = "subscription"
)

// ErrInvalidPurchase is returned for credit amounts that cannot be charged.
var ErrInvalidPurchase = errors.New("invalid credit purchase amount")

// MinimumPurchase is the smallest credit purchase in USD.
var MinimumPurchase = decimal.NewFromInt(5)

// StripeClient implements Client with stripe-go.
type StripeClient struct {
	api     *client.API
	breaker *breaker.Breaker
	keys    *idempotency.Generator
	logger  *zap.Logger
}

// NewStripeClient creates a client using the default Stripe backends.
func NewStripeClient(secretKey string, b *breaker.Breaker, keys *idempotency.Generator, logger *zap.Logger) *StripeClient {
	return NewStripeClientWithAPI(client.New(secretKey, nil), b, keys, logger)
}

// NewStripeClientWithAPI creates a client around an existing API, e.g. one
// pointed at a test backend.
func NewStripeClientWithAPI(api *client.API, b *breaker.Breaker, keys *idempotency.Generator, logger *zap.Logger) *StripeClient {
	metrics.SetBreakerState(b.Name(), int(b.State()))
	b.OnStateChange(func(name string, from, to breaker.State) {
		metrics.SetBreakerState(name, int(to))
		logger.Warn("payment provider circuit changed state",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return &StripeClient{api: api, breaker: b, keys: keys, logger: logger}
}

// call runs fn through the breaker. Client errors (4xx other than 429) are
// returned to the caller but do not count against the provider's health.
func (c *StripeClient) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	rejected := make(chan error, 1)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != 429 {
			rejected <- err
			return nil
		}
		return err
	})
	if err == nil {
		select {
		case err = <-rejected:
		default:
		}
	}

	outcome := "success"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		outcome = "short_circuited"
	case err != nil:
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues(operation, outcome).Inc()

	if err != nil {
		return fmt.Errorf("stripe %s: %w", operation, err)
	}
	return nil
}

// callValue is call for operations that produce a result. The value travels
// through a channel owned by the attempt, so an attempt still running after
// the breaker gave up on it cannot write into the caller's result.
func callValue[T any](ctx context.Context, c *StripeClient, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	result := make(chan T, 1)
	err := c.call(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result <- v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-result, nil
}

func (c *StripeClient) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	return callValue(ctx, c, "create_customer", func(ctx context.Context) (string, error) {
		params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
		if email != "" {
			params.Email = stripe.String(email)
		}
		params.AddMetadata(MetadataAccountID, accountID)
		params.SetIdempotencyKey(c.keys.Generate("create_customer", accountID))

		cus, err := c.api.Customers.New(params)
		if err != nil {
			return "", err
		}
		return cus.ID, nil
	})
}

func (c *StripeClient) CreateCreditCheckout(ctx context.Context, req CreditCheckoutRequest) (*CheckoutSession, error) {
	if req.Amount.LessThan(MinimumPurchase) || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, fmt.Errorf("%w: %s (minimum %s, whole cents)", ErrInvalidPurchase, req.Amount, MinimumPurchase)
	}
	cents := req.Amount.Shift(2).IntPart()

	return callValue(ctx, c, "create_credit_checkout", func(ctx context.Context) (*CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{
			Params:            stripe.Params{Context: ctx},
			Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
			Customer:          stripe.String(req.CustomerID),
			ClientReferenceID: stripe.String(req.AccountID),
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
						Currency:   stripe.String(string(stripe.CurrencyUSD)),
						UnitAmount: stripe.Int64(cents),
						ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
							Name: stripe.String(fmt.Sprintf("$%s API credits", req.Amount.StringFixed(2))),
						},
					},
					Quantity: stripe.Int64(1),
				},
			},
		}
		params.AddMetadata(MetadataAccountID, req.AccountID)
		params.AddMetadata(MetadataCredits, req.Amount.StringFixed(2))
		params.AddMetadata(MetadataKind, KindCreditPurchase)
		params.SetIdempotencyKey(c.keys.Generate("credit_checkout", req.AccountID, req.Amount.StringFixed(2)))

		s, err := c.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return toSession(s), nil
	})
}

func (c *StripeClient) CreateSubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (*CheckoutSession, error) {
	return callValue(ctx, c, "create_subscription_checkout", func(ctx context.Context) (*CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{
			Params:            stripe.Params{Context: ctx},
			Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			Customer:          stripe.String(req.CustomerID),
			ClientReferenceID: stripe.String(req.AccountID),
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
			},
			SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
				Metadata: map[string]string{MetadataAccountID: req.AccountID},
			},
		}
		if req.TrialDays > 0 {
			params.SubscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
		}
		params.AddMetadata(MetadataAccountID, req.AccountID)
		params.AddMetadata(MetadataKind, KindSubscription)
		params.SetIdempotencyKey(c.keys.Generate("subscription_checkout", req.AccountID, req.PriceID))

		s, err := c.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return toSession(s), nil
	})
}

func (c *StripeClient) CancelSubscription(ctx context.Context, accountID, subscriptionID string) error {
	return c.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			Params:            stripe.Params{Context: ctx},
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.SetIdempotencyKey(c.keys.Generate("cancel_subscription", accountID, subscriptionID))
		_, err := c.api.Subscriptions.Update(subscriptionID, params)
		return err
	})
}

func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return callValue(ctx, c, "create_portal_session", func(ctx context.Context) (string, error) {
		s, err := c.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
			Params:    stripe.Params{Context: ctx},
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		})
		if err != nil {
			return "", err
		}
		return s.URL, nil
	})
}

func (c *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	return callValue(ctx, c, "get_checkout_session", func(ctx context.Context) (*CheckoutSession, error) {
		s, err := c.api.CheckoutSessions.Get(sessionID, &stripe.CheckoutSessionParams{
			Params: stripe.Params{Context: ctx},
		})
		if err != nil {
			return nil, err
		}
		return toSession(s), nil
	})
}

func toSession(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:          s.ID,
		URL:         s.URL,
		Status:      SessionStatus(s.Status),
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal: s.AmountTotal,
		Metadata:    s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out
}
