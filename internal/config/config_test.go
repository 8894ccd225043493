package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("BLUEPRINT_DB_USERNAME", "dues")
	t.Setenv("BLUEPRINT_DB_PASSWORD", "secret")
	t.Setenv("BLUEPRINT_DB_DATABASE", "dues")
	t.Setenv("PAYPAL_CLIENT_ID", "client")
	t.Setenv("PAYPAL_CLIENT_SECRET", "shh")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "30", cfg.MonthlyFee.String())
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 5, cfg.IdentityMaxReceives)
	assert.Equal(t, "0 9 1 * *", cfg.ReminderSchedule)
	assert.Contains(t, cfg.DatabaseURL(), "postgres://dues:secret@")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MONTHLY_FEE", "42.50")
	t.Setenv("CURRENCY", "usd")
	t.Setenv("GATEWAY_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "42.5", cfg.MonthlyFee.String())
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	setRequired(t)
	t.Setenv("MONTHLY_FEE", "-1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MONTHLY_FEE", "10")
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveDurations(t *testing.T) {
	for _, key := range []string{"GATEWAY_TIMEOUT", "RECONCILE_INTERVAL", "RECONCILE_STALE_AFTER", "RECONCILE_EXPIRE_AFTER"} {
		for _, val := range []string{"0s", "-1m"} {
			t.Run(key+"="+val, func(t *testing.T) {
				setRequired(t)
				t.Setenv(key, val)
				_, err := Load()
				require.Error(t, err)
				assert.Contains(t, err.Error(), key)
			})
		}
	}
}

func TestLoad_MissingSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYPAL_CLIENT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_SandboxNeedsNoPayPalSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYPAL_CLIENT_ID", "")
	t.Setenv("PAYPAL_CLIENT_SECRET", "")
	t.Setenv("PAYMENT_PROVIDER", "Sandbox")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sandbox", cfg.PaymentProvider)

	t.Setenv("PAYMENT_PROVIDER", "stripe")
	_, err = Load()
	assert.Error(t, err)
}
