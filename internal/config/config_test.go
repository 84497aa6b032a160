package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ADMIN_API_TOKEN", "admin")
	t.Setenv("SERVICE_API_TOKEN", "service")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Billing.MarkupFactor.Equal(decimal.RequireFromString("1.2")))
	assert.True(t, cfg.Billing.MinimumCost.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 20*time.Hour, cfg.Billing.RefreshWindow)
	assert.Equal(t, 30*time.Second, cfg.Billing.BalanceCacheTTL)
	assert.Equal(t, time.Hour, cfg.Provider.IdempotencyBucket)
	assert.Equal(t, 10*time.Second, cfg.Provider.CallTimeout)
	assert.Equal(t, []string{"mock", "test-model"}, cfg.Billing.FreeModels)
	assert.False(t, cfg.Billing.Disabled)
	assert.Equal(t, 10, cfg.Security.CheckoutRateLimit)
	assert.Empty(t, cfg.Security.AllowedHosts)
}

func TestLoadConfig_SecurityLists(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ALLOWED_HOSTS", "billing.internal, billing.crosslogic.ai")
	t.Setenv("CHECKOUT_RATE_LIMIT", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.internal", "billing.crosslogic.ai"}, cfg.Security.AllowedHosts)
	assert.Equal(t, 3, cfg.Security.CheckoutRateLimit)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CREDIT_MARKUP_FACTOR", "1.5")
	t.Setenv("DAILY_REFRESH_WINDOW_HOURS", "12")
	t.Setenv("FREE_MODELS", " mock , , echo ")
	t.Setenv("PROVIDER_BREAKER_FAILURE_RATE", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Billing.MarkupFactor.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, 12*time.Hour, cfg.Billing.RefreshWindow)
	assert.Equal(t, []string{"mock", "echo"}, cfg.Billing.FreeModels)
	assert.Equal(t, 0.25, cfg.Provider.BreakerFailureRate)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("markup must exceed one", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("CREDIT_MARKUP_FACTOR", "1.0")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "CREDIT_MARKUP_FACTOR")
	})

	t.Run("stripe key required when billing enabled", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("STRIPE_SECRET_KEY", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "STRIPE_SECRET_KEY")
	})

	t.Run("stripe key optional when billing disabled", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("STRIPE_SECRET_KEY", "")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "")
		t.Setenv("BILLING_DISABLED", "true")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.True(t, cfg.Billing.Disabled)
	})

	t.Run("invalid decimal falls back to default", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("CREDIT_MINIMUM_COST", "cheap")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.True(t, cfg.Billing.MinimumCost.Equal(decimal.RequireFromString("0.01")))
	})
}
