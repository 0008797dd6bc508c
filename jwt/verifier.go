package jwtkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/tiers"
)

// VerifierConfig describes the identity service whose tokens we accept.
type VerifierConfig struct {
	Issuer          string
	Audience        string
	JWKSURL         string
	Skew            time.Duration
	MinRefreshEvery time.Duration
}

// Verifier turns bearer tokens into viewers.
type Verifier struct {
	cfg  VerifierConfig
	keys jwk.Set
}

// NewVerifier registers cfg.JWKSURL with a refreshing jwk.Cache and performs
// the first fetch. The cache refreshes until ctx ends.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwtkit: JWKS URL required")
	}
	if cfg.MinRefreshEvery <= 0 {
		cfg.MinRefreshEvery = 15 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.MinRefreshEvery)); err != nil {
		return nil, fmt.Errorf("jwtkit: register JWKS: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("jwtkit: fetch JWKS: %w", err)
	}
	return &Verifier{cfg: cfg, keys: jwk.NewCachedSet(cache, cfg.JWKSURL)}, nil
}

// NewStaticVerifier verifies against a fixed key set.
func NewStaticVerifier(cfg VerifierConfig, keys jwk.Set) *Verifier {
	return &Verifier{cfg: cfg, keys: keys}
}

// Verify validates raw and returns the authenticated viewer. An absent or
// unknown tier claim maps to tier none.
func (v *Verifier) Verify(ctx context.Context, raw string) (access.Viewer, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithContext(ctx),
		jwt.WithAcceptableSkew(v.cfg.Skew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	token, err := jwt.ParseString(strings.TrimSpace(raw), opts...)
	if err != nil {
		return access.Viewer{}, err
	}
	if token.Subject() == "" {
		return access.Viewer{}, errors.New("jwtkit: token has no subject")
	}

	viewer := access.Viewer{ID: token.Subject(), Tier: tiers.None, Authenticated: true}
	if raw, ok := token.Get(ClaimTier); ok {
		if s, ok := raw.(string); ok {
			if t, ok := tiers.Parse(s); ok && t >= tiers.None {
				viewer.Tier = t
			}
		}
	}
	if raw, ok := token.Get(ClaimPaidThrough); ok {
		var sec int64
		switch n := raw.(type) {
		case float64:
			sec = int64(n)
		case int64:
			sec = n
		case int:
			sec = int64(n)
		}
		if sec > 0 {
			pt := time.Unix(sec, 0).UTC()
			viewer.PaidThrough = &pt
		}
	}
	return viewer, nil
}
