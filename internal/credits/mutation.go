package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/credits/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Draw is how a deduction was split across the pools.
type Draw struct {
	FromDaily       decimal.Decimal `json:"from_daily"`
	FromExpiring    decimal.Decimal `json:"from_expiring"`
	FromNonExpiring decimal.Decimal `json:"from_non_expiring"`
}

// Total is the sum drawn.
func (d Draw) Total() decimal.Decimal {
	return d.FromDaily.Add(d.FromExpiring).Add(d.FromNonExpiring)
}

// drawDown depletes pools soonest-to-vanish first: daily, expiring, then
// non-expiring. Whatever the positive pools cannot cover is taken from the
// non-expiring pool, which may go negative.
func drawDown(acct *models.CreditAccount, amount decimal.Decimal) Draw {
	remaining := amount
	take := func(pool *decimal.Decimal) decimal.Decimal {
		available := decimal.Max(*pool, decimal.Zero)
		n := decimal.Min(remaining, available)
		*pool = pool.Sub(n)
		remaining = remaining.Sub(n)
		return n
	}

	var d Draw
	d.FromDaily = take(&acct.DailyPool)
	d.FromExpiring = take(&acct.ExpiringPool)
	d.FromNonExpiring = take(&acct.NonExpiringPool)
	if remaining.IsPositive() {
		acct.NonExpiringPool = acct.NonExpiringPool.Sub(remaining)
		d.FromNonExpiring = d.FromNonExpiring.Add(remaining)
	}
	acct.Recompute()
	return d
}

// Mutation is a locked, in-progress change to one account. Every method
// keeps Balance equal to the pool sum and appends the matching ledger entry.
type Mutation struct {
	tx      AccountTx
	now     time.Time
	entries []models.LedgerEntry
}

// Account returns the locked account.
func (m *Mutation) Account() *models.CreditAccount {
	return m.tx.Account()
}

// Now is the timestamp applied to every entry of this mutation.
func (m *Mutation) Now() time.Time {
	return m.now
}

// ClaimEvent marks a provider event as processed in the same transaction.
func (m *Mutation) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	return m.tx.ClaimEvent(ctx, eventID, eventType)
}

// SettlePurchase moves a pending purchase to status.
func (m *Mutation) SettlePurchase(ctx context.Context, sessionID string, status models.PurchaseStatus) (models.PurchaseStatus, error) {
	return m.tx.SettlePurchase(ctx, sessionID, status)
}

// Entries returns the entries appended so far.
func (m *Mutation) Entries() []models.LedgerEntry {
	return m.entries
}

// Draw deducts amount in pool priority order.
func (m *Mutation) Draw(amount decimal.Decimal, entryType models.EntryType, description string, metadata map[string]any) (Draw, error) {
	if !amount.IsPositive() {
		return Draw{}, fmt.Errorf("%w: deduction must be positive, got %s", ErrInvalidAmount, amount)
	}
	acct := m.Account()
	d := drawDown(acct, amount)

	meta := copyMetadata(metadata)
	meta["from_daily"] = d.FromDaily.String()
	meta["from_expiring"] = d.FromExpiring.String()
	meta["from_non_expiring"] = d.FromNonExpiring.String()

	m.append(models.LedgerEntry{
		Amount:      amount.Neg(),
		Type:        entryType,
		Description: description,
		Metadata:    meta,
	})
	return d, nil
}

// Credit adds amount to the expiring or non-expiring pool.
func (m *Mutation) Credit(amount decimal.Decimal, entryType models.EntryType, description string, isExpiring bool, providerEventID string, metadata map[string]any) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit must be positive, got %s", ErrInvalidAmount, amount)
	}
	acct := m.Account()
	if isExpiring {
		acct.ExpiringPool = acct.ExpiringPool.Add(amount)
	} else {
		acct.NonExpiringPool = acct.NonExpiringPool.Add(amount)
	}
	acct.Recompute()

	m.append(models.LedgerEntry{
		Amount:          amount,
		Type:            entryType,
		Description:     description,
		IsExpiring:      isExpiring,
		ProviderEventID: providerEventID,
		Metadata:        copyMetadata(metadata),
	})
	return nil
}

// ResetExpiring sets the expiring pool to amount. The entry records the delta.
func (m *Mutation) ResetExpiring(amount decimal.Decimal, entryType models.EntryType, description, providerEventID string, metadata map[string]any) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: expiring pool cannot be set to %s", ErrInvalidAmount, amount)
	}
	acct := m.Account()
	delta := amount.Sub(acct.ExpiringPool)
	acct.ExpiringPool = amount
	acct.Recompute()

	meta := copyMetadata(metadata)
	meta["pool_after"] = amount.String()
	m.append(models.LedgerEntry{
		Amount:          delta,
		Type:            entryType,
		Description:     description,
		IsExpiring:      true,
		ProviderEventID: providerEventID,
		Metadata:        meta,
	})
	return delta, nil
}

// ResetDaily sets the daily pool to amount and stamps the refresh time.
func (m *Mutation) ResetDaily(amount decimal.Decimal, description string, metadata map[string]any) decimal.Decimal {
	acct := m.Account()
	delta := amount.Sub(acct.DailyPool)
	acct.DailyPool = amount
	acct.Recompute()
	stamp := m.now
	acct.LastDailyRefreshAt = &stamp

	meta := copyMetadata(metadata)
	meta["pool_after"] = amount.String()
	m.append(models.LedgerEntry{
		Amount:      delta,
		Type:        models.EntryDailyRefresh,
		Description: description,
		IsExpiring:  true,
		Metadata:    meta,
	})
	return delta
}

// Repair re-derives Balance from the pools without touching them. It
// returns the previous cached balance.
func (m *Mutation) Repair(description string) decimal.Decimal {
	acct := m.Account()
	before := acct.Balance
	acct.Recompute()
	m.append(models.LedgerEntry{
		Amount:      decimal.Zero,
		Type:        models.EntryAdjustment,
		Description: description,
		Metadata: map[string]any{
			"balance_before": before.String(),
			"pool_sum":       acct.Balance.String(),
		},
	})
	return before
}

func (m *Mutation) append(e models.LedgerEntry) {
	acct := m.Account()
	acct.UpdatedAt = m.now
	e.ID = uuid.NewString()
	e.AccountID = acct.AccountID
	e.BalanceAfter = acct.Balance
	e.CreatedAt = m.now
	m.entries = append(m.entries, e)
	m.tx.AppendEntry(e)
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
