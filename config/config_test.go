package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/ratelimit"
	"github.com/PaulFidika/unlockkit/tiers"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.Equal(t, 720*time.Hour, c.FastPassWindow)

	p, err := c.Prices()
	require.NoError(t, err)
	require.True(t, p.FastPass.Equal(money.MustParse("49", "usd")))

	ec, err := c.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, access.Revoke, ec.Downgrade)
	_, err = access.NewEngine(ec)
	require.NoError(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("UNLOCKKIT_SUBSCRIPTION_PRICES", "starter:15,pro:79.50")
	t.Setenv("UNLOCKKIT_DOWNGRADE_POLICY", "grandfather")
	t.Setenv("UNLOCKKIT_RATE_INTENT_CREATE", "3")
	t.Setenv("UNLOCKKIT_CURRENCY", "EUR")

	c, err := Load()
	require.NoError(t, err)
	subs, err := c.SubscriptionPriceTable()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.True(t, subs[tiers.Pro].Equal(money.MustParse("79.50", "eur")))

	wc, err := c.WorkflowConfig()
	require.NoError(t, err)
	require.Equal(t, subs, wc.SubscriptionPrices)
	require.Equal(t, 3, c.RateLimits()[ratelimit.BucketIntentCreate].Count)
}

func TestZeroDecimalCurrencyPrices(t *testing.T) {
	t.Setenv("UNLOCKKIT_CURRENCY", "jpy")
	t.Setenv("UNLOCKKIT_ARCHIVE_PRICE", "900")
	t.Setenv("UNLOCKKIT_VALIDATED_PRICE", "1900")
	t.Setenv("UNLOCKKIT_FAST_PASS_PRICE", "4900")
	t.Setenv("UNLOCKKIT_SUBSCRIPTION_PRICES", "starter:1500")

	c, err := Load()
	require.NoError(t, err)
	p, err := c.Prices()
	require.NoError(t, err)
	require.Equal(t, int64(4900), p.FastPass.Minor())
	subs, err := c.SubscriptionPriceTable()
	require.NoError(t, err)
	require.Equal(t, int64(1500), subs[tiers.Starter].Minor())
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"windows inverted":     {"UNLOCKKIT_FAST_PASS_WINDOW": "9000h"},
		"fast pass too cheap":  {"UNLOCKKIT_FAST_PASS_PRICE": "10"},
		"unknown downgrade":    {"UNLOCKKIT_DOWNGRADE_POLICY": "forever"},
		"bad tier price":       {"UNLOCKKIT_SUBSCRIPTION_PRICES": "platinum:10"},
		"bad log level":        {"UNLOCKKIT_LOG_LEVEL": "chatty"},
		"timeout under a poll": {"UNLOCKKIT_RECONCILE_TIMEOUT": "1s", "UNLOCKKIT_RECONCILE_INTERVAL": "2s"},
		"fractional yen":       {"UNLOCKKIT_CURRENCY": "jpy", "UNLOCKKIT_ARCHIVE_PRICE": "9.50"},
		"bad schema":           {"UNLOCKKIT_DATABASE_SCHEMA": "unlock; drop"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
