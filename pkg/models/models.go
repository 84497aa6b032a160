package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier identifies the plan an account is on.
type Tier string

const (
	TierNone       Tier = "none"
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TrialStatus tracks the provider trial lifecycle of an account.
type TrialStatus string

const (
	TrialNone      TrialStatus = "none"
	TrialActive    TrialStatus = "active"
	TrialExpired   TrialStatus = "expired"
	TrialConverted TrialStatus = "converted"
	TrialCancelled TrialStatus = "cancelled"
)

// CreditAccount is the mutable balance snapshot of one account.
//
// Balance is a cached total and must equal DailyPool + ExpiringPool +
// NonExpiringPool whenever no transaction is in flight.
type CreditAccount struct {
	AccountID       string          `json:"account_id"`
	Tier            Tier            `json:"tier"`
	Balance         decimal.Decimal `json:"balance"`
	DailyPool       decimal.Decimal `json:"daily_pool"`
	ExpiringPool    decimal.Decimal `json:"expiring_pool"`
	NonExpiringPool decimal.Decimal `json:"non_expiring_pool"`

	LastDailyRefreshAt *time.Time  `json:"last_daily_refresh_at,omitempty"`
	TrialStatus        TrialStatus `json:"trial_status"`
	TrialEndsAt        *time.Time  `json:"trial_ends_at,omitempty"`
	PeriodEndsAt       *time.Time  `json:"period_ends_at,omitempty"`

	ProviderCustomerID     string `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PoolSum returns the sum of the three pools.
func (a *CreditAccount) PoolSum() decimal.Decimal {
	return a.DailyPool.Add(a.ExpiringPool).Add(a.NonExpiringPool)
}

// Recompute re-establishes Balance from the pools.
func (a *CreditAccount) Recompute() {
	a.Balance = a.PoolSum()
}

// Consistent reports whether the cached balance matches the pools.
func (a *CreditAccount) Consistent() bool {
	return a.Balance.Equal(a.PoolSum())
}

// Clone returns a deep copy.
func (a *CreditAccount) Clone() *CreditAccount {
	c := *a
	c.LastDailyRefreshAt = cloneTime(a.LastDailyRefreshAt)
	c.TrialEndsAt = cloneTime(a.TrialEndsAt)
	c.PeriodEndsAt = cloneTime(a.PeriodEndsAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryUsage        EntryType = "usage"
	EntryDailyRefresh EntryType = "daily_refresh"
	EntryPurchase     EntryType = "purchase"
	EntryAdjustment   EntryType = "adjustment"
	EntryTrialGrant   EntryType = "trial_grant"
	EntryRefund       EntryType = "refund"
)

// LedgerEntry is one immutable balance-affecting event.
type LedgerEntry struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Type            EntryType       `json:"type"`
	Description     string          `json:"description"`
	IsExpiring      bool            `json:"is_expiring"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	ProviderEventID string          `json:"provider_event_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PurchaseStatus is the state of a one-off credit purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// CreditPurchase tracks a credit checkout from creation until the provider
// confirms or abandons it.
type CreditPurchase struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	ProviderSessionID string          `json:"provider_session_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PurchaseStatus  `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
