package rpcauth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/rpcauth"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	cfg := rpcauth.Config{Secret: []byte("workflow-secret"), Issuer: "myworkflow", ClockSkew: time.Second}

	token, err := rpcauth.Issue(cfg, []string{rpcauth.ScopeSubmit, rpcauth.ScopeQuery}, time.Hour)
	require.NoError(t, err)

	claims, err := rpcauth.Verify(token, cfg)
	require.NoError(t, err)
	require.True(t, claims.HasScope(rpcauth.ScopeSubmit))
	require.False(t, claims.HasScope(rpcauth.ScopeSubscribe))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	cfg := rpcauth.Config{Secret: []byte("secret"), Issuer: "workflow-a"}
	token, err := rpcauth.Issue(cfg, []string{rpcauth.ScopeQuery}, time.Hour)
	require.NoError(t, err)

	_, err = rpcauth.Verify(token, rpcauth.Config{Secret: []byte("secret"), Issuer: "workflow-b"})
	require.Error(t, err)
}

func TestVerifyRejectsBadSecret(t *testing.T) {
	cfg := rpcauth.Config{Secret: []byte("secret"), Issuer: "workflow-a"}
	token, err := rpcauth.Issue(cfg, []string{rpcauth.ScopeQuery}, time.Hour)
	require.NoError(t, err)

	_, err = rpcauth.Verify(token, rpcauth.Config{Secret: []byte("wrong"), Issuer: "workflow-a"})
	require.Error(t, err)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	_, err := rpcauth.Verify("", rpcauth.Config{Secret: []byte("secret")})
	require.Error(t, err)
}
