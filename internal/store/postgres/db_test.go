package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendStatementTimeout(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db/x?options=-c%20statement_timeout%3D45000",
		appendStatementTimeout("postgres://u:p@db/x", 45000))
	assert.Equal(t,
		"postgres://u:p@db/x?sslmode=disable&options=-c%20statement_timeout%3D1000",
		appendStatementTimeout("postgres://u:p@db/x?sslmode=disable", 1000))
}

func TestNew_RejectsOutOfRangeStatementTimeout(t *testing.T) {
	_, err := New(Config{URL: "postgres://localhost/x", StatementTimeoutMS: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of allowed range")

	_, err = New(Config{URL: "postgres://localhost/x", StatementTimeoutMS: dbStatementTimeoutMaxMS + 1})
	require.Error(t, err)
}

func TestMigrationFiles_Sorted(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_b.up.sql":   {Data: []byte("SELECT 1")},
		"m/002_a.up.sql":   {Data: []byte("SELECT 1")},
		"m/002_a.down.sql": {Data: []byte("SELECT 1")},
	}
	files, err := migrationFiles(fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"m/002_a.up.sql", "m/010_b.up.sql"}, files)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := migrationFiles(migrationFS, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/001_orders.up.sql",
		"migrations/002_deposit_credits.up.sql",
	}, files)
}
