// Package config loads unlockd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/access"
	migrations "github.com/PaulFidika/unlockkit/migrations/postgres"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/policy"
	"github.com/PaulFidika/unlockkit/ratelimit"
	"github.com/PaulFidika/unlockkit/tiers"
	"github.com/PaulFidika/unlockkit/unlock"
)

type Config struct {
	HTTPAddr string `env:"UNLOCKKIT_HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"UNLOCKKIT_LOG_LEVEL" envDefault:"info"`

	DatabaseURL    string `env:"UNLOCKKIT_DATABASE_URL"`
	DatabaseSchema string `env:"UNLOCKKIT_DATABASE_SCHEMA" envDefault:"unlock"`
	RedisURL       string `env:"UNLOCKKIT_REDIS_URL"`

	StripeSecretKey     string `env:"UNLOCKKIT_STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"UNLOCKKIT_STRIPE_WEBHOOK_SECRET"`
	Currency            string `env:"UNLOCKKIT_CURRENCY" envDefault:"usd"`

	JWKSURL     string        `env:"UNLOCKKIT_JWKS_URL"`
	Issuer      string        `env:"UNLOCKKIT_TOKEN_ISSUER"`
	Audience    string        `env:"UNLOCKKIT_TOKEN_AUDIENCE"`
	TokenSkew   time.Duration `env:"UNLOCKKIT_TOKEN_SKEW" envDefault:"30s"`
	JWKSRefresh time.Duration `env:"UNLOCKKIT_JWKS_REFRESH" envDefault:"15m"`

	ArchivePrice       string            `env:"UNLOCKKIT_ARCHIVE_PRICE" envDefault:"9"`
	ValidatedPrice     string            `env:"UNLOCKKIT_VALIDATED_PRICE" envDefault:"19"`
	FastPassPrice      string            `env:"UNLOCKKIT_FAST_PASS_PRICE" envDefault:"49"`
	SubscriptionPrices map[string]string `env:"UNLOCKKIT_SUBSCRIPTION_PRICES" envSeparator:"," envKeyValSeparator:":"`

	FastPassWindow      time.Duration `env:"UNLOCKKIT_FAST_PASS_WINDOW" envDefault:"720h"`
	PayPerUnlockWindow  time.Duration `env:"UNLOCKKIT_PAY_PER_UNLOCK_WINDOW" envDefault:"8760h"`
	IntentTTL           time.Duration `env:"UNLOCKKIT_INTENT_TTL" envDefault:"30m"`
	ReconcileInterval   time.Duration `env:"UNLOCKKIT_RECONCILE_INTERVAL" envDefault:"2s"`
	ReconcileTimeout    time.Duration `env:"UNLOCKKIT_RECONCILE_TIMEOUT" envDefault:"30s"`
	ProviderMaxAttempts int           `env:"UNLOCKKIT_PROVIDER_MAX_ATTEMPTS" envDefault:"3"`
	RefundMaxAttempts   int           `env:"UNLOCKKIT_REFUND_MAX_ATTEMPTS" envDefault:"5"`
	DisableAutoRefund   bool          `env:"UNLOCKKIT_DISABLE_AUTO_REFUND"`
	Downgrade           string        `env:"UNLOCKKIT_DOWNGRADE_POLICY" envDefault:"revoke"`

	IntentCreatePerMinute int `env:"UNLOCKKIT_RATE_INTENT_CREATE" envDefault:"10"`
	ConfirmPerMinute      int `env:"UNLOCKKIT_RATE_CONFIRM" envDefault:"30"`

	ExpireSchedule string `env:"UNLOCKKIT_EXPIRE_SCHEDULE" envDefault:"@every 1m"`
	RefundSchedule string `env:"UNLOCKKIT_REFUND_SCHEDULE" envDefault:"@every 5m"`
	QueueWorkers   int    `env:"UNLOCKKIT_QUEUE_WORKERS" envDefault:"10"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings that would break the pricing or window ordering.
func (c Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.FastPassWindow <= 0 || c.PayPerUnlockWindow <= 0 {
		errs = append(errs, errors.New("unlock windows must be positive"))
	} else if c.FastPassWindow >= c.PayPerUnlockWindow {
		errs = append(errs, errors.New("fast-pass window must be shorter than the pay-per-unlock window"))
	}
	if _, ok := access.ParseDowngradePolicy(c.Downgrade); !ok {
		errs = append(errs, fmt.Errorf("unknown downgrade policy %q", c.Downgrade))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileTimeout < c.ReconcileInterval {
		errs = append(errs, errors.New("reconcile timeout must be at least one poll interval"))
	}
	if p, err := c.Prices(); err != nil {
		errs = append(errs, err)
	} else if err := policy.Default(p).Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SubscriptionPriceTable(); err != nil {
		errs = append(errs, err)
	}
	if !migrations.ValidSchema(c.DatabaseSchema) {
		errs = append(errs, fmt.Errorf("database schema %q must be a lowercase identifier", c.DatabaseSchema))
	}
	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		errs = append(errs, errors.New("stripe webhook secret set without a secret key"))
	}
	return errors.Join(errs...)
}

func (c Config) Prices() (policy.Prices, error) {
	var p policy.Prices
	var err error
	if p.Archive, err = money.Parse(c.ArchivePrice, c.Currency); err != nil {
		return p, fmt.Errorf("archive price: %w", err)
	}
	if p.Validated, err = money.Parse(c.ValidatedPrice, c.Currency); err != nil {
		return p, fmt.Errorf("validated price: %w", err)
	}
	if p.FastPass, err = money.Parse(c.FastPassPrice, c.Currency); err != nil {
		return p, fmt.Errorf("fast-pass price: %w", err)
	}
	return p, nil
}

// SubscriptionPriceTable parses tier:amount pairs. An empty setting yields the
// workflow defaults.
func (c Config) SubscriptionPriceTable() (map[tiers.Tier]money.Money, error) {
	if len(c.SubscriptionPrices) == 0 {
		return nil, nil
	}
	out := make(map[tiers.Tier]money.Money, len(c.SubscriptionPrices))
	for name, amount := range c.SubscriptionPrices {
		t, ok := tiers.Parse(name)
		if !ok || !t.Subscribable() {
			return nil, fmt.Errorf("subscription price for unknown tier %q", name)
		}
		m, err := money.Parse(strings.TrimSpace(amount), c.Currency)
		if err != nil {
			return nil, fmt.Errorf("subscription price for %s: %w", name, err)
		}
		out[t] = m
	}
	return out, nil
}

func (c Config) EngineConfig() (access.Config, error) {
	p, err := c.Prices()
	if err != nil {
		return access.Config{}, err
	}
	d, ok := access.ParseDowngradePolicy(c.Downgrade)
	if !ok {
		return access.Config{}, fmt.Errorf("unknown downgrade policy %q", c.Downgrade)
	}
	return access.Config{Table: policy.Default(p), Downgrade: d}, nil
}

func (c Config) WorkflowConfig() (unlock.Config, error) {
	subs, err := c.SubscriptionPriceTable()
	if err != nil {
		return unlock.Config{}, err
	}
	return unlock.Config{
		IntentTTL:           c.IntentTTL,
		FastPassWindow:      c.FastPassWindow,
		PayPerUnlockWindow:  c.PayPerUnlockWindow,
		ReconcileInterval:   c.ReconcileInterval,
		ReconcileTimeout:    c.ReconcileTimeout,
		ProviderMaxAttempts: c.ProviderMaxAttempts,
		RefundMaxAttempts:   c.RefundMaxAttempts,
		DisableAutoRefund:   c.DisableAutoRefund,
		SubscriptionPrices:  subs,
	}, nil
}

func (c Config) RateLimits() map[string]ratelimit.Limit {
	limits := ratelimit.DefaultLimits()
	if c.IntentCreatePerMinute > 0 {
		limits[ratelimit.BucketIntentCreate] = ratelimit.Limit{Count: c.IntentCreatePerMinute, Window: time.Minute}
	}
	if c.ConfirmPerMinute > 0 {
		limits[ratelimit.BucketConfirm] = ratelimit.Limit{Count: c.ConfirmPerMinute, Window: time.Minute}
	}
	return limits
}
