// Package provider wraps the payment provider behind a circuit breaker.
// Every mutating call carries a deterministic idempotency key so network
// retries cannot create a second charge or subscription.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a checkout session.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// CheckoutSession is the provider-neutral view of a hosted checkout.
type CheckoutSession struct {
	ID          string
	URL         string
	Status      SessionStatus
	Paid        bool
	CustomerID  string
	AmountTotal int64
	Metadata    map[string]string
}

// CreditCheckoutRequest starts a one-off credit purchase.
type CreditCheckoutRequest struct {
	AccountID  string
	CustomerID string
	Amount     decimal.Decimal
	SuccessURL string
	CancelURL  string
}

// SubscriptionCheckoutRequest starts a subscription to a tier price.
type SubscriptionCheckoutRequest struct {
	AccountID  string
	CustomerID string
	PriceID    string
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// Client is the subset of the payment provider the credit service uses.
type Client interface {
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)
	CreateCreditCheckout(ctx context.Context, req CreditCheckoutRequest) (*CheckoutSession, error)
	CreateSubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (*CheckoutSession, error)
	CancelSubscription(ctx context.Context, accountID, subscriptionID string) error
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}
