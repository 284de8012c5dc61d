package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchemaCarriesConstraints(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_core.sql", names[0])

	body, err := files.ReadFile(names[0])
	require.NoError(t, err)
	schema := string(body)
	for _, want := range []string{
		"CONSTRAINT ledger_entries_hold_id_key UNIQUE (hold_id)",
		"UNIQUE (account_id, idempotency_key)",
		"CREATE UNIQUE INDEX IF NOT EXISTS disputes_one_open_per_job",
		"CREATE TABLE IF NOT EXISTS payout_freezes",
		"CREATE TABLE IF NOT EXISTS idempotency_records",
	} {
		assert.True(t, strings.Contains(schema, want), "schema missing %q", want)
	}
}

func TestAccountClaimTableFollowsCore(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "0002_ledger_accounts.sql", names[1])

	body, err := files.ReadFile(names[1])
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS ledger_accounts")
	assert.Contains(t, string(body), "account_id TEXT PRIMARY KEY")
}
