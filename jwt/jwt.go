package jwtkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/PaulFidika/unlockkit/tiers"
)

// Claim names carried by viewer tokens.
const (
	ClaimTier        = "tier"
	ClaimPaidThrough = "paid_through"
)

// RSASigner signs RS256 viewer tokens. The upstream identity service owns
// production keys; this signer backs local tooling and tests.
type RSASigner struct {
	key *rsa.PrivateKey
	kid string
}

func NewRSASigner(bits int, kid string) (*RSASigner, error) {
	if bits == 0 {
		bits = 2048
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: k, kid: kid}, nil
}

// NewRSASignerFromPEM accepts PKCS#1 or PKCS#8 RSA private keys.
func NewRSASignerFromPEM(kid string, pemBytes []byte) (*RSASigner, error) {
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, errors.New("jwtkit: no PEM block")
	}
	if blk.Type == "RSA PRIVATE KEY" {
		k, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		return &RSASigner{key: k, kid: kid}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("jwtkit: PKCS#8 key is not RSA")
	}
	return &RSASigner{key: k, kid: kid}, nil
}

func (s *RSASigner) Algorithm() string         { return jwt.SigningMethodRS256.Alg() }
func (s *RSASigner) KID() string               { return s.kid }
func (s *RSASigner) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

func (s *RSASigner) Sign(_ context.Context, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// ViewerClaims builds the claim set a viewer token carries.
func ViewerClaims(viewerID, issuer, audience string, tier tiers.Tier, paidThrough *time.Time, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"sub":     viewerID,
		"iss":     issuer,
		"aud":     audience,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		ClaimTier: tier.String(),
	}
	if paidThrough != nil {
		c[ClaimPaidThrough] = paidThrough.Unix()
	}
	return c
}
