package credits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTiers(t *testing.T) *config.TierCatalog {
	t.Helper()
	c, err := config.NewTierCatalog([]config.TierConfig{
		{Name: models.TierNone},
		{
			Name:   models.TierFree,
			Models: []string{"gpt-4o-mini*", "mock"},
			DailyCredits: &config.DailyCreditConfig{
				Enabled:    true,
				Amount:     decimal.RequireFromString("0.05"),
				MaxBalance: decimal.RequireFromString("0.05"),
			},
		},
		{
			Name:           models.TierPro,
			MonthlyCredits: decimal.NewFromInt(50),
			Models:         []string{"*"},
			PriceIDs:       []string{"price_pro"},
		},
		{
			Name:   models.TierStarter,
			Models: []string{"gpt-4o*"},
			DailyCredits: &config.DailyCreditConfig{
				Enabled:    false,
				Amount:     decimal.NewFromInt(1),
				MaxBalance: decimal.NewFromInt(1),
			},
			PriceIDs: []string{"price_starter"},
		},
	})
	require.NoError(t, err)
	return c
}

func newTestRefresh(t *testing.T) (*RefreshService, *Ledger, *MemoryStore, *testClock) {
	l, store, clock := newTestLedger(t)
	return NewRefreshService(l, testTiers(t), 20*time.Hour, zap.NewNop()), l, store, clock
}

func TestMaybeRefresh_ResetsInsteadOfAccumulating(t *testing.T) {
	svc, _, store, _ := newTestRefresh(t)
	seedAccount(store, "acct", models.TierFree, "0.03", "0", "1")
	ctx := context.Background()

	res, err := svc.MaybeRefresh(ctx, "acct", false)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assertDecimal(t, "0.05", res.AmountGranted)
	assertDecimal(t, "0.02", res.Delta)

	acct, err := store.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assertDecimal(t, "0.05", acct.DailyPool)
	assertDecimal(t, "1.05", acct.Balance)
	require.NotNil(t, acct.LastDailyRefreshAt)

	entries, err := store.ListEntries(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryDailyRefresh, entries[0].Type)
	assertDecimal(t, "0.02", entries[0].Amount)
}

func TestMaybeRefresh_OncePerWindow(t *testing.T) {
	svc, _, store, clock := newTestRefresh(t)
	seedAccount(store, "acct", models.TierFree, "0", "0", "0")
	ctx := context.Background()

	res, err := svc.MaybeRefresh(ctx, "acct", false)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)

	clock.Advance(19 * time.Hour)
	res, err = svc.MaybeRefresh(ctx, "acct", false)
	require.NoError(t, err)
	assert.False(t, res.Refreshed)

	clock.Advance(time.Hour)
	res, err = svc.MaybeRefresh(ctx, "acct", false)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)

	entries, err := store.ListEntries(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMaybeRefresh_Force(t *testing.T) {
	svc, _, store, _ := newTestRefresh(t)
	seedAccount(store, "acct", models.TierFree, "0", "0", "0")
	ctx := context.Background()

	_, err := svc.MaybeRefresh(ctx, "acct", false)
	require.NoError(t, err)

	res, err := svc.MaybeRefresh(ctx, "acct", true)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assertDecimal(t, "0", res.Delta)
}

func TestMaybeRefresh_DisabledOrMissingDailyCredits(t *testing.T) {
	svc, _, store, _ := newTestRefresh(t)
	seedAccount(store, "pro", models.TierPro, "0", "0", "0")
	seedAccount(store, "starter", models.TierStarter, "0", "0", "0")
	ctx := context.Background()

	for _, id := range []string{"pro", "starter"} {
		res, err := svc.MaybeRefresh(ctx, id, true)
		require.NoError(t, err)
		assert.False(t, res.Refreshed, id)
	}
}

func TestMaybeRefresh_Errors(t *testing.T) {
	svc, _, store, _ := newTestRefresh(t)
	seedAccount(store, "ghost-tier", models.Tier("legacy"), "0", "0", "0")
	ctx := context.Background()

	_, err := svc.MaybeRefresh(ctx, "missing", false)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.MaybeRefresh(ctx, "ghost-tier", false)
	assert.ErrorIs(t, err, ErrTierNotFound)
}

func TestMaybeRefresh_ConcurrentCallersGrantOnce(t *testing.T) {
	svc, _, store, _ := newTestRefresh(t)
	seedAccount(store, "acct", models.TierFree, "0", "0", "0")
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.MaybeRefresh(ctx, "acct", false)
			assert.NoError(t, err)
			if res.Refreshed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	entries, err := store.ListEntries(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
