//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/credit"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRepo_FindByID(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewOrderRepo(db)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedOrder(t, db, "order-with-address", created, "0x8ba1f109551bd432803012645ac136ddd64dba72")
	seedOrder(t, db, "order-without-address", created, "")

	o, err := repo.FindByID(ctx, "order-with-address")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.True(t, o.CreatedAt.Equal(created))
	require.True(t, o.Scannable())
	assert.Equal(t, "0x8ba1f109551bd432803012645ac136ddd64dba72", o.DepositAddress.Address)

	o, err = repo.FindByID(ctx, "order-without-address")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Nil(t, o.DepositAddress)
	assert.False(t, o.Scannable())

	o, err = repo.FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestCreditRepo_CreateDepositCredit_Idempotent(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCreditRepo(db)
	ctx := context.Background()

	req := model.CreditRequest{
		OrderID:  "order-1",
		Tx:       model.CreditTx{TxID: "0xabc"},
		Amount:   "123457419000000000000",
		UniqueID: credit.IdempotencyKey("eth-native", "0xabc"),
	}

	created, err := repo.CreateDepositCredit(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateDepositCredit(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	credits, err := repo.CreditsForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, req, credits[0])
}

func TestCreditRepo_ConcurrentInsertsCreateOnce(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCreditRepo(db)

	req := model.CreditRequest{
		OrderID:  "order-2",
		Tx:       model.CreditTx{TxID: "0xdef"},
		Amount:   "42500",
		UniqueID: credit.IdempotencyKey("eth-native", "0xdef"),
	}

	var createdCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := repo.CreateDepositCredit(context.Background(), req)
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), createdCount.Load())
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.RunMigrations(context.Background()))

	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
}
