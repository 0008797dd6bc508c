package testing

import (
	"time"

	"github.com/PaulFidika/unlockkit/access"
	memorystore "github.com/PaulFidika/unlockkit/storage/memory"
	"github.com/PaulFidika/unlockkit/unlock"
)

// Env is an unlock workflow wired to in-memory stores and a FakeProvider.
type Env struct {
	Workflow      *unlock.Workflow
	Provider      *FakeProvider
	Entitlements  *memorystore.EntitlementStore
	Intents       *memorystore.IntentStore
	Opportunities *memorystore.OpportunityStore
	Subscriptions *memorystore.SubscriptionStore
}

// NewEnv builds an Env. Zero poll settings default to test-friendly values.
func NewEnv(cfg unlock.Config) (*Env, error) {
	return NewEnvWithEngine(cfg, access.Config{})
}

// NewEnvWithEngine is NewEnv with an explicit access engine configuration.
func NewEnvWithEngine(cfg unlock.Config, ec access.Config) (*Env, error) {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Millisecond
	}
	if cfg.ReconcileTimeout == 0 {
		cfg.ReconcileTimeout = 100 * time.Millisecond
	}
	if cfg.ProviderBackoff == 0 {
		cfg.ProviderBackoff = time.Millisecond
	}
	e := &Env{
		Provider:      NewFakeProvider(),
		Entitlements:  memorystore.NewEntitlementStore(),
		Intents:       memorystore.NewIntentStore(0),
		Opportunities: memorystore.NewOpportunityStore(),
		Subscriptions: memorystore.NewSubscriptionStore(0),
	}
	engine, err := access.NewEngine(ec)
	if err != nil {
		return nil, err
	}
	e.Workflow, err = unlock.New(cfg, unlock.Deps{
		Engine:        engine,
		Opportunities: e.Opportunities,
		Entitlements:  e.Entitlements,
		Intents:       e.Intents,
		Provider:      e.Provider,
		Subscriptions: e.Subscriptions,
		Viewers:       e.Subscriptions,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Publish adds an opportunity created age ago.
func (e *Env) Publish(id string, age time.Duration, cap int) access.Opportunity {
	o := access.Opportunity{ID: id, CreatedAt: time.Now().Add(-age), ScarcityCap: cap}
	e.Opportunities.Publish(o)
	return o
}

func (e *Env) Close() { _ = e.Intents.Close() }
