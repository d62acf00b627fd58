package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENV", "")
	t.Setenv("PLATFORM_FEE_BPS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultPlatformFeeBps), cfg.PlatformFeeBps)
	assert.Equal(t, int64(DefaultStartedRefundBps), cfg.StartedRefundBps)
	assert.Equal(t, int64(DefaultOngoingRefundBps), cfg.OngoingRefundBps)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("PLATFORM_FEE_BPS", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, int64(500), cfg.PlatformFeeBps)
}

func TestValidateFeeBounds(t *testing.T) {
	cfg := &Config{PlatformFeeBps: 10000}
	assert.Error(t, cfg.Validate())

	cfg = &Config{PlatformFeeBps: -1}
	assert.Error(t, cfg.Validate())

	cfg = &Config{
		PlatformFeeBps:   1000,
		StartedRefundBps: 5000,
		OngoingRefundBps: 4000,
	}
	assert.Error(t, cfg.Validate(), "started tier above ongoing tier must be rejected")
}

func TestValidateProductionRequirements(t *testing.T) {
	cfg := &Config{
		Env:              "production",
		PlatformFeeBps:   1000,
		StartedRefundBps: 1500,
		OngoingRefundBps: 4000,
	}
	require.Error(t, cfg.Validate())

	cfg.StripeSecretKey = "sk_test_x"
	cfg.StripeWebhookSecret = "whsec_x"
	cfg.AdminSecret = "secret"
	assert.NoError(t, cfg.Validate())
}
