package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/auth"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "jobctl-secret")
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("APP_ENV", "development")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssuesParsableToken(t *testing.T) {
	out, err := run(t, "token", "--role", "cleaner", "--id", "cleaner-7")
	require.NoError(t, err, out)

	tokens, err := auth.NewTokens("jobctl-secret", "jobcore")
	require.NoError(t, err)
	caller, err := tokens.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, shared.Caller{ID: "cleaner-7", Role: shared.RoleCleaner}, caller)
}

func TestTokenRequiresID(t *testing.T) {
	_, err := run(t, "token", "--role", "client")
	require.Error(t, err)
}

func TestSeedCreditsThroughSandbox(t *testing.T) {
	out, err := run(t, "seed", "--amount", "2500", "client-1", "client-2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "client-1 credited 2500")
	assert.Contains(t, out, "client-2 credited 2500")
}

func TestTriggerRequiresRedis(t *testing.T) {
	_, err := run(t, "trigger", "ledger:stale_holds")
	require.ErrorContains(t, err, "REDIS_ADDR")
}
