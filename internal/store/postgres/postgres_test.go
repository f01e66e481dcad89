package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/sim?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "sim"}))
	assert.Equal(t, "postgres://u:p@db:6543/sim?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "sim", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
	assert.Equal(t, "postgres://sim:p%40ss%2Fw@db:5432/sim?sslmode=disable",
		DSN(ClientConfig{User: "sim", Password: "p@ss/w", Host: "db", Database: "sim"}))
	assert.Equal(t, "postgres://[::1]:5432/sim?sslmode=disable",
		DSN(ClientConfig{Host: "::1", Database: "sim"}))
}

func TestApplyRuntimeParams(t *testing.T) {
	params := map[string]string{}
	applyRuntimeParams(params, ClientConfig{})
	assert.Equal(t, "lendingsim", params["application_name"])
	assert.Equal(t, "30000", params["statement_timeout"])

	params = map[string]string{"application_name": "from-dsn"}
	applyRuntimeParams(params, ClientConfig{ApplicationName: "ignored", StatementTimeout: 2 * time.Second})
	assert.Equal(t, "from-dsn", params["application_name"])
	assert.Equal(t, "2000", params["statement_timeout"])
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsNonDecreasing(t, names)
}

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := listQuery("SELECT * FROM snapshots WHERE run_id = $1", []any{"r1"},
		"recorded_at", "block ASC", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t,
		"SELECT * FROM snapshots WHERE run_id = $1 AND recorded_at >= $2 ORDER BY block ASC LIMIT $3 OFFSET $4",
		query)
	assert.Equal(t, []any{"r1", since, 10, 20}, args)

	query, args = listQuery("SELECT 1 WHERE 1=1", nil, "created_at", "created_at DESC", domain.ListOpts{Limit: 5})
	assert.Equal(t, "SELECT 1 WHERE 1=1 ORDER BY created_at DESC LIMIT $1", query)
	assert.Equal(t, []any{5}, args)
}

func TestParseDecimals(t *testing.T) {
	var a, b decimal.Decimal
	require.NoError(t, parseDecimals([]*decimal.Decimal{&a, &b}, []string{"1.000000000000000001", "42"}))
	assert.Equal(t, "1.000000000000000001", a.String())
	assert.True(t, b.Equal(decimal.NewFromInt(42)))

	require.Error(t, parseDecimals([]*decimal.Decimal{&a}, []string{"NaN"}))
}

func TestSeedRoundTrip(t *testing.T) {
	const seed = ^uint64(0)
	got, err := parseSeed(formatSeed(seed))
	require.NoError(t, err)
	assert.Equal(t, seed, got)
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"runs", "snapshots", "liquidations", "audit_log"} {
		assert.True(t, strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table+" "),
			"missing table %s", table)
	}
}
