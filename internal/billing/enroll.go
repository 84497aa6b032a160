package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/models"
	"go.uber.org/zap"
)

const defaultSetupLockTTL = 30 * time.Second

// Enroller performs one-time account setup: creating the credit account on
// first billing touch and the provider customer on first checkout. Both run
// under a short-lived distributed lock keyed by account id.
type Enroller struct {
	ledger    *credits.Ledger
	cache     *cache.Cache
	provider  provider.Client
	lockTTL   time.Duration
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnroller creates an enroller. A nil cache disables the distributed lock,
// which is only safe with a single instance.
func NewEnroller(ledger *credits.Ledger, cacheClient *cache.Cache, client provider.Client, lockTTL time.Duration, logger *zap.Logger) *Enroller {
	if lockTTL <= 0 {
		lockTTL = defaultSetupLockTTL
	}
	return &Enroller{
		ledger:    ledger,
		cache:     cacheClient,
		provider:  client,
		lockTTL:   lockTTL,
		publisher: events.Discard,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets where account events are published.
func (e *Enroller) SetPublisher(p events.Publisher) {
	e.publisher = p
}

// EnsureAccount returns the account, creating it on the free tier when it
// does not exist yet. It returns credits.ErrSetupInProgress when another
// request is enrolling the same account.
func (e *Enroller) EnsureAccount(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", credits.ErrAccountNotFound)
	}
	acct, err := e.ledger.Account(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, credits.ErrAccountNotFound) {
		return nil, err
	}

	var created bool
	err = e.withSetupLock(ctx, accountID, func() error {
		now := e.now()
		created, err = e.ledger.Store().CreateAccount(ctx, &models.CreditAccount{
			AccountID:   accountID,
			Tier:        models.TierFree,
			TrialStatus: models.TrialNone,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		e.logger.Info("credit account enrolled",
			zap.String("account_id", accountID),
			zap.String("tier", string(models.TierFree)),
		)
		e.publish(ctx, events.EventAccountCreated, accountID, map[string]interface{}{
			"tier": string(models.TierFree),
		})
	}
	return e.ledger.Account(ctx, accountID)
}

// EnsureCustomer returns the provider customer of the account, creating it
// on first use.
func (e *Enroller) EnsureCustomer(ctx context.Context, accountID string) (string, error) {
	acct, err := e.ledger.Account(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.ProviderCustomerID != "" {
		return acct.ProviderCustomerID, nil
	}
	if e.provider == nil {
		return "", errors.New("payment provider not configured")
	}

	var customerID string
	err = e.withSetupLock(ctx, accountID, func() error {
		// another request may have finished while we waited for the lock
		acct, err := e.ledger.Account(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.ProviderCustomerID != "" {
			customerID = acct.ProviderCustomerID
			return nil
		}

		id, err := e.provider.CreateCustomer(ctx, accountID, "")
		if err != nil {
			return err
		}
		customerID = id
		return e.ledger.Mutate(ctx, accountID, func(m *credits.Mutation) error {
			m.Account().ProviderCustomerID = id
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("provider customer linked",
		zap.String("account_id", accountID),
		zap.String("customer_id", customerID),
	)
	return customerID, nil
}

func (e *Enroller) withSetupLock(ctx context.Context, accountID string, fn func() error) error {
	if e.cache == nil {
		return fn()
	}

	lock, err := e.cache.AcquireLock(ctx, "credits:setup:"+accountID, e.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return fmt.Errorf("%w: %s", credits.ErrSetupInProgress, accountID)
	}
	if err != nil {
		return fmt.Errorf("acquire setup lock for %s: %w", accountID, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.cache.ReleaseLock(releaseCtx, lock); err != nil {
			e.logger.Warn("failed to release setup lock",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}()
	return fn()
}

func (e *Enroller) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if err := e.publisher.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", string(t)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}
