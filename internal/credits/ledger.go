package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Balance is a point-in-time view of an account's pools.
type Balance struct {
	AccountID   string          `json:"account_id"`
	Tier        models.Tier     `json:"tier"`
	Daily       decimal.Decimal `json:"daily"`
	Expiring    decimal.Decimal `json:"expiring"`
	NonExpiring decimal.Decimal `json:"non_expiring"`
	Total       decimal.Decimal `json:"total"`
}

func balanceOf(acct *models.CreditAccount) Balance {
	return Balance{
		AccountID:   acct.AccountID,
		Tier:        acct.Tier,
		Daily:       acct.DailyPool,
		Expiring:    acct.ExpiringPool,
		NonExpiring: acct.NonExpiringPool,
		Total:       acct.Balance,
	}
}

// DeductRequest charges an account.
type DeductRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Description string
	Metadata    map[string]any
}

// DeductResult reports the new total and where the money came from.
type DeductResult struct {
	Success  bool            `json:"success"`
	NewTotal decimal.Decimal `json:"new_total"`
	Draw
}

// AddRequest credits an account.
type AddRequest struct {
	AccountID       string
	Amount          decimal.Decimal
	Type            models.EntryType
	Description     string
	IsExpiring      bool
	ProviderEventID string
	Metadata        map[string]any
}

// AddResult reports the new total after a credit.
type AddResult struct {
	Success  bool            `json:"success"`
	NewTotal decimal.Decimal `json:"new_total"`
}

// Ledger owns the authoritative balance and the append-only entry history.
// Every write runs under the store's row lock and invalidates the balance
// cache once committed.
type Ledger struct {
	store  Store
	cache  BalanceCache
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a ledger. A nil cache disables caching.
func NewLedger(store Store, cache BalanceCache, logger *zap.Logger) *Ledger {
	if cache == nil {
		cache = NoopBalanceCache{}
	}
	return &Ledger{
		store:  store,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Read returns the account's balance, from cache when possible.
func (l *Ledger) Read(ctx context.Context, accountID string) (Balance, error) {
	b, ok, err := l.cache.Get(ctx, accountID)
	switch {
	case err != nil:
		metrics.BalanceCacheLookups.WithLabelValues("error").Inc()
		l.logger.Warn("balance cache read failed", zap.String("account_id", accountID), zap.Error(err))
	case ok:
		metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	default:
		metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()
	}

	// The generation is read before the load so a write committed in
	// between rejects this fill.
	version, verErr := l.cache.Version(ctx, accountID)

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	b = balanceOf(acct)
	if verErr != nil {
		return b, nil
	}
	if err := l.cache.Set(ctx, b, version); err != nil {
		l.logger.Warn("balance cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}
	return b, nil
}

// Account reads the full account from the store, bypassing the cache.
func (l *Ledger) Account(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	return l.store.GetAccount(ctx, accountID)
}

// Mutate runs fn against the locked account. Nothing is persisted unless fn
// returns nil.
func (l *Ledger) Mutate(ctx context.Context, accountID string, fn func(m *Mutation) error) error {
	var m *Mutation
	err := l.store.WithAccountLock(ctx, accountID, func(tx AccountTx) error {
		m = &Mutation{tx: tx, now: l.now()}
		return fn(m)
	})
	if err != nil {
		return err
	}

	l.invalidate(ctx, accountID)
	for _, e := range m.entries {
		if e.Type != models.EntryUsage {
			f, _ := e.Amount.Float64()
			metrics.RecordGrant(string(e.Type), f)
		}
	}
	return nil
}

// Deduct charges amount in pool priority order. The deduction succeeds even
// when it drives the balance negative.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (DeductResult, error) {
	if !req.Amount.IsPositive() {
		return DeductResult{}, fmt.Errorf("%w: deduction must be positive, got %s", ErrInvalidAmount, req.Amount)
	}

	var res DeductResult
	err := l.Mutate(ctx, req.AccountID, func(m *Mutation) error {
		d, err := m.Draw(req.Amount, models.EntryUsage, req.Description, req.Metadata)
		if err != nil {
			return err
		}
		res = DeductResult{Success: true, NewTotal: m.Account().Balance, Draw: d}
		return nil
	})
	if err != nil {
		metrics.CreditDeductions.WithLabelValues("failure").Inc()
		return DeductResult{}, fmt.Errorf("deduct %s from %s: %w", req.Amount, req.AccountID, err)
	}

	daily, _ := res.FromDaily.Float64()
	expiring, _ := res.FromExpiring.Float64()
	nonExpiring, _ := res.FromNonExpiring.Float64()
	metrics.RecordDeduction(daily, expiring, nonExpiring)
	return res, nil
}

// Add credits the non-expiring pool, or the expiring pool for grants.
func (l *Ledger) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	if !req.Amount.IsPositive() {
		return AddResult{}, fmt.Errorf("%w: credit must be positive, got %s", ErrInvalidAmount, req.Amount)
	}
	if req.Type == "" {
		req.Type = models.EntryAdjustment
	}

	var res AddResult
	err := l.Mutate(ctx, req.AccountID, func(m *Mutation) error {
		if err := m.Credit(req.Amount, req.Type, req.Description, req.IsExpiring, req.ProviderEventID, req.Metadata); err != nil {
			return err
		}
		res = AddResult{Success: true, NewTotal: m.Account().Balance}
		return nil
	})
	if err != nil {
		return AddResult{}, fmt.Errorf("add %s to %s: %w", req.Amount, req.AccountID, err)
	}
	return res, nil
}

// Adjust applies a signed operator adjustment. Positive amounts credit the
// non-expiring pool, negative amounts draw down in priority order.
func (l *Ledger) Adjust(ctx context.Context, accountID string, amount decimal.Decimal, description string, metadata map[string]any) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}

	var total decimal.Decimal
	err := l.Mutate(ctx, accountID, func(m *Mutation) error {
		if amount.IsPositive() {
			if err := m.Credit(amount, models.EntryAdjustment, description, false, "", metadata); err != nil {
				return err
			}
		} else if _, err := m.Draw(amount.Neg(), models.EntryAdjustment, description, metadata); err != nil {
			return err
		}
		total = m.Account().Balance
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust %s by %s: %w", accountID, amount, err)
	}

	l.logger.Info("credit adjustment applied",
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("new_total", total.String()),
	)
	return total, nil
}

// ResetExpiring replaces the expiring pool with amount, as on a subscription
// renewal. Unused expiring credit from the previous period is forfeited.
func (l *Ledger) ResetExpiring(ctx context.Context, accountID string, amount decimal.Decimal, description, providerEventID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := l.Mutate(ctx, accountID, func(m *Mutation) error {
		if _, err := m.ResetExpiring(amount, models.EntryPurchase, description, providerEventID, nil); err != nil {
			return err
		}
		total = m.Account().Balance
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("reset expiring pool of %s: %w", accountID, err)
	}
	return total, nil
}

// History returns the newest entries for an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, accountID, limit)
}

func (l *Ledger) invalidate(ctx context.Context, accountID string) {
	// The write is committed; a cancelled request must not leave a stale
	// balance behind.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.cache.Invalidate(ctx, accountID); err != nil {
		l.logger.Error("balance cache invalidation failed",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}
