package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPurchaseNotAllowed = errors.New("credit purchases are not available on this plan")
	ErrNoSubscription     = errors.New("account has no active subscription")
	ErrTierNotForSale     = errors.New("tier cannot be subscribed to")
)

// ServiceConfig holds the redirect targets of provider-hosted pages.
type ServiceConfig struct {
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	TrialDays       int64
}

// Service implements the provider-facing flows: credit checkout,
// subscription checkout, cancellation and the billing portal. Every call
// reaches the provider through the breaker-wrapped client.
type Service struct {
	cfg      ServiceConfig
	ledger   *credits.Ledger
	tiers    *config.TierCatalog
	provider provider.Client
	enroller *Enroller
	logger   *zap.Logger
}

// NewService creates the provider-facing billing service.
func NewService(cfg ServiceConfig, ledger *credits.Ledger, tiers *config.TierCatalog, client provider.Client, enroller *Enroller, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		tiers:    tiers,
		provider: client,
		enroller: enroller,
		logger:   logger,
	}
}

// StartCreditPurchase opens a checkout for amount USD of non-expiring credit
// and records the purchase as pending until the provider confirms it.
func (s *Service) StartCreditPurchase(ctx context.Context, accountID string, amount decimal.Decimal) (*provider.CheckoutSession, error) {
	acct, err := s.enroller.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tier, err := s.tiers.Get(acct.Tier)
	if err != nil {
		return nil, err
	}
	if !tier.CanPurchaseCredits {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseNotAllowed, tier.DisplayName)
	}

	customerID, err := s.enroller.EnsureCustomer(ctx, accountID)
	if err != nil {
		return nil, err
	}
	session, err := s.provider.CreateCreditCheckout(ctx, provider.CreditCheckoutRequest{
		AccountID:  accountID,
		CustomerID: customerID,
		Amount:     amount,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.ledger.Store().CreatePurchase(ctx, &models.CreditPurchase{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		ProviderSessionID: session.ID,
		Amount:            amount.Round(2),
		Status:            models.PurchasePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		// The webhook still credits the purchase through its event claim.
		s.logger.Error("failed to record pending purchase",
			zap.String("account_id", accountID),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	s.logger.Info("credit checkout started",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.String("amount", amount.StringFixed(2)),
	)
	return session, nil
}

// StartSubscription opens a subscription checkout for tier.
func (s *Service) StartSubscription(ctx context.Context, accountID string, tierName models.Tier) (*provider.CheckoutSession, error) {
	tier, err := s.tiers.Get(tierName)
	if err != nil {
		return nil, err
	}
	if len(tier.PriceIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTierNotForSale, tierName)
	}
	acct, err := s.enroller.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.enroller.EnsureCustomer(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// One trial per account.
	var trialDays int64
	if acct.TrialStatus == models.TrialNone {
		trialDays = s.cfg.TrialDays
	}

	session, err := s.provider.CreateSubscriptionCheckout(ctx, provider.SubscriptionCheckoutRequest{
		AccountID:  accountID,
		CustomerID: customerID,
		PriceID:    tier.PriceIDs[0],
		TrialDays:  trialDays,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription checkout started",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.String("tier", string(tierName)),
	)
	return session, nil
}

// CancelSubscription cancels the account's subscription at period end. The
// tier changes when the provider reports the subscription deleted.
func (s *Service) CancelSubscription(ctx context.Context, accountID string) error {
	acct, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.ProviderSubscriptionID == "" {
		return ErrNoSubscription
	}
	if err := s.provider.CancelSubscription(ctx, accountID, acct.ProviderSubscriptionID); err != nil {
		return err
	}

	s.logger.Info("subscription cancellation requested",
		zap.String("account_id", accountID),
		zap.String("subscription_id", acct.ProviderSubscriptionID),
	)
	return nil
}

// PortalURL returns a billing portal session for the account.
func (s *Service) PortalURL(ctx context.Context, accountID string) (string, error) {
	customerID, err := s.enroller.EnsureCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}
	return s.provider.CreatePortalSession(ctx, customerID, s.cfg.PortalReturnURL)
}
