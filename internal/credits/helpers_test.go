package credits

import (
	"testing"
	"time"

	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(dur time.Duration) { c.now = c.now.Add(dur) }

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *testClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(store, nil, zap.NewNop())
	l.now = clock.Now
	return l, store, clock
}

func seedAccount(store *MemoryStore, id string, tier models.Tier, daily, expiring, nonExpiring string) *models.CreditAccount {
	acct := &models.CreditAccount{
		AccountID:       id,
		Tier:            tier,
		DailyPool:       d(daily),
		ExpiringPool:    d(expiring),
		NonExpiringPool: d(nonExpiring),
		TrialStatus:     models.TrialNone,
	}
	acct.Recompute()
	store.Put(acct)
	return acct
}
