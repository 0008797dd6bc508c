// Package testing provides fakes for exercising unlockkit without external
// services: an issuer that serves JWKS and signs viewer tokens, and a
// programmable payment provider.
//
// Example usage:
//
//	issuer := testing.NewTestIssuer()
//	defer issuer.Close()
//
//	verifier, _ := issuer.Verifier(ctx)
//	token := issuer.CreateViewerToken("viewer-123", tiers.Pro)
package testing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	jwtkit "github.com/PaulFidika/unlockkit/jwt"
	"github.com/PaulFidika/unlockkit/tiers"
)

// TestIssuer serves JWKS at /.well-known/jwks.json and signs tokens that
// validate against it.
type TestIssuer struct {
	server   *httptest.Server
	signer   *jwtkit.RSASigner
	audience string
}

func NewTestIssuer() *TestIssuer {
	return NewTestIssuerWithAudience("unlockkit")
}

func NewTestIssuerWithAudience(audience string) *TestIssuer {
	signer, err := jwtkit.NewRSASigner(2048, "viewer-test")
	if err != nil {
		panic("testing: rsa signer: " + err.Error())
	}
	keys, err := jwtkit.PublicKeySet(signer.PublicKey(), signer.KID(), signer.Algorithm())
	if err != nil {
		panic("testing: jwks: " + err.Error())
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		jwtkit.ServeJWKS(w, r, keys)
	})
	return &TestIssuer{signer: signer, audience: audience, server: httptest.NewServer(mux)}
}

func (ti *TestIssuer) URL() string      { return ti.server.URL }
func (ti *TestIssuer) JWKSURL() string  { return ti.server.URL + "/.well-known/jwks.json" }
func (ti *TestIssuer) Audience() string { return ti.audience }

func (ti *TestIssuer) Close() {
	if ti.server != nil {
		ti.server.Close()
	}
}

// Verifier returns a verifier wired to this issuer's JWKS.
func (ti *TestIssuer) Verifier(ctx context.Context) (*jwtkit.Verifier, error) {
	return jwtkit.NewVerifier(ctx, jwtkit.VerifierConfig{
		Issuer:   ti.URL(),
		Audience: ti.audience,
		JWKSURL:  ti.JWKSURL(),
	})
}

// CreateViewerToken signs a one-hour token for viewerID at tier.
func (ti *TestIssuer) CreateViewerToken(viewerID string, tier tiers.Tier) string {
	return ti.sign(jwtkit.ViewerClaims(viewerID, ti.URL(), ti.audience, tier, nil, time.Hour))
}

// CreateViewerTokenWithPaidThrough also carries the end of the paid period.
func (ti *TestIssuer) CreateViewerTokenWithPaidThrough(viewerID string, tier tiers.Tier, paidThrough time.Time) string {
	return ti.sign(jwtkit.ViewerClaims(viewerID, ti.URL(), ti.audience, tier, &paidThrough, time.Hour))
}

// CreateExpiredToken signs a token that expired an hour ago.
func (ti *TestIssuer) CreateExpiredToken(viewerID string) string {
	c := jwtkit.ViewerClaims(viewerID, ti.URL(), ti.audience, tiers.None, nil, time.Hour)
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	return ti.sign(c)
}

func (ti *TestIssuer) sign(c jwt.MapClaims) string {
	token, err := ti.signer.Sign(context.Background(), c)
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return token
}
