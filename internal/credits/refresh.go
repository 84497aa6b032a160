package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultRefreshWindow is shorter than a day so a user whose usage time
// drifts still gets one refresh per calendar day.
const DefaultRefreshWindow = 20 * time.Hour

// RefreshResult reports the outcome of MaybeRefresh.
type RefreshResult struct {
	Refreshed bool `json:"refreshed"`
	// AmountGranted is the value the daily pool was reset to.
	AmountGranted decimal.Decimal `json:"amount_granted"`
	// Delta is the change in balance caused by the reset.
	Delta decimal.Decimal `json:"delta"`
}

// RefreshService resets the daily pool on a rolling window.
type RefreshService struct {
	ledger *Ledger
	tiers  *config.TierCatalog
	window time.Duration
	logger *zap.Logger
}

// NewRefreshService creates a refresh service.
func NewRefreshService(ledger *Ledger, tiers *config.TierCatalog, window time.Duration, logger *zap.Logger) *RefreshService {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return &RefreshService{
		ledger: ledger,
		tiers:  tiers,
		window: window,
		logger: logger,
	}
}

func (s *RefreshService) due(acct *models.CreditAccount, now time.Time) bool {
	return acct.LastDailyRefreshAt == nil || now.Sub(*acct.LastDailyRefreshAt) >= s.window
}

// MaybeRefresh resets the account's daily pool when the tier has daily
// credits and the window has elapsed, or unconditionally when force is set.
// The decision is re-checked under the account lock so concurrent callers
// grant at most once.
func (s *RefreshService) MaybeRefresh(ctx context.Context, accountID string, force bool) (RefreshResult, error) {
	acct, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return RefreshResult{}, err
	}

	daily, err := s.dailyConfig(acct.Tier)
	if err != nil || daily == nil {
		return RefreshResult{}, err
	}

	if !force && !s.due(acct, s.ledger.now()) {
		metrics.DailyRefreshes.WithLabelValues("not_due").Inc()
		return RefreshResult{}, nil
	}

	var res RefreshResult
	err = s.ledger.Mutate(ctx, accountID, func(m *Mutation) error {
		locked := m.Account()
		// The tier may have changed since the unlocked read.
		cfg, err := s.dailyConfig(locked.Tier)
		if err != nil || cfg == nil {
			return err
		}
		if !force && !s.due(locked, m.Now()) {
			return nil
		}

		amount := cfg.GrantAmount()
		delta := m.ResetDaily(amount, fmt.Sprintf("Daily credits (%s)", locked.Tier), map[string]any{
			"tier":   string(locked.Tier),
			"forced": force,
		})
		res = RefreshResult{Refreshed: true, AmountGranted: amount, Delta: delta}
		return nil
	})
	if err != nil {
		metrics.DailyRefreshes.WithLabelValues("error").Inc()
		return RefreshResult{}, fmt.Errorf("daily refresh for %s: %w", accountID, err)
	}

	if res.Refreshed {
		metrics.DailyRefreshes.WithLabelValues("granted").Inc()
		s.logger.Debug("daily credits refreshed",
			zap.String("account_id", accountID),
			zap.String("amount", res.AmountGranted.String()),
			zap.String("delta", res.Delta.String()),
		)
	} else {
		metrics.DailyRefreshes.WithLabelValues("lost_race").Inc()
	}
	return res, nil
}

// dailyConfig returns nil when the tier has no enabled daily credits.
func (s *RefreshService) dailyConfig(tier models.Tier) (*config.DailyCreditConfig, error) {
	t, err := s.tiers.Get(tier)
	if err != nil {
		return nil, err
	}
	if t.DailyCredits == nil || !t.DailyCredits.Enabled {
		return nil, nil
	}
	return t.DailyCredits, nil
}
