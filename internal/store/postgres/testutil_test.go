//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/store/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testDB connects to TEST_DB_URL when set, otherwise starts a disposable
// PostgreSQL container. Migrations are applied either way.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("test_deposit_reconciler"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, container.Terminate(context.Background()))
		})

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := postgres.New(postgres.Config{
		URL:             url,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	return db
}

func seedOrder(t *testing.T, db *postgres.DB, id string, createdAt time.Time, address string) {
	t.Helper()
	ctx := context.Background()

	var addrID *int64
	if address != "" {
		var v int64
		require.NoError(t, db.QueryRowContext(ctx, `
			INSERT INTO deposit_addresses (chain, network, address)
			VALUES ('ethereum', 'mainnet', $1)
			ON CONFLICT (chain, network, address) DO UPDATE SET address = EXCLUDED.address
			RETURNING id
		`, address).Scan(&v))
		addrID = &v
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO orders (id, deposit_address_id, created_at) VALUES ($1, $2, $3)`,
		id, addrID, createdAt)
	require.NoError(t, err)
}
