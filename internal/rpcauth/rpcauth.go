// Package rpcauth verifies bearer tokens presented by RPC clients
// against the per-workflow keypair written by the installer (spec.md
// §6 "Authentication uses per-workflow keypairs... clients present
// matching credentials").
package rpcauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the per-workflow signing secret and expected claims.
type Config struct {
	// Secret is the workflow's shared signing key, written by the
	// installer alongside the contact file.
	Secret []byte
	// Issuer is the workflow id expected in the token's iss claim.
	Issuer string
	// ClockSkew tolerates clock drift when validating exp/nbf.
	ClockSkew time.Duration
}

// Claims is the token payload: the registered claims plus the scopes
// granted to the presenting client (spec.md §6 RPC surface: submit,
// subscribe, query).
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Scope names recognised by the RPC surface.
const (
	ScopeSubmit    = "submit"
	ScopeSubscribe = "subscribe"
	ScopeQuery     = "query"
)

// HasScope reports whether the claims grant the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verify parses and validates a bearer token against cfg, returning
// the claims on success.
func Verify(token string, cfg Config) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("rpcauth: empty token")
	}
	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256"}))

	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rpcauth: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("rpcauth: invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("rpcauth: unexpected claims type")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("rpcauth: issuer mismatch: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	return claims, nil
}

// Issue mints a bearer token for a client granted scopes, signed with
// the workflow's secret. Used by the installer / contact file writer,
// not by the scheduler at runtime.
func Issue(cfg Config, scopes []string, ttl time.Duration) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", fmt.Errorf("rpcauth: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("rpcauth: sign token: %w", err)
	}
	return signed, nil
}
