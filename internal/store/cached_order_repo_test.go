package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/store"
	"github.com/emperorhan/deposit-reconciler/internal/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testOrder() *model.Order {
	return &model.Order{
		ID:             "order-1",
		CreatedAt:      time.Unix(1000, 0).UTC(),
		DepositAddress: &model.DepositAddress{Address: "0xdep"},
	}
}

func TestCachedOrderRepository_CachesFoundOrders(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockOrderRepository(ctrl)
	next.EXPECT().FindByID(gomock.Any(), "order-1").Return(testOrder(), nil).Times(1)

	repo := store.NewCachedOrderRepository(next, 10, time.Minute)
	ctx := context.Background()

	first, err := repo.FindByID(ctx, "order-1")
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, "order-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stats := repo.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedOrderRepository_ReturnsCopies(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockOrderRepository(ctrl)
	next.EXPECT().FindByID(gomock.Any(), "order-1").Return(testOrder(), nil).Times(1)

	repo := store.NewCachedOrderRepository(next, 10, time.Minute)
	o, err := repo.FindByID(context.Background(), "order-1")
	require.NoError(t, err)
	o.DepositAddress.Address = "mutated"

	again, err := repo.FindByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "0xdep", again.DepositAddress.Address)
}

func TestCachedOrderRepository_DoesNotCacheMissesOrErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockOrderRepository(ctrl)
	gomock.InOrder(
		next.EXPECT().FindByID(gomock.Any(), "order-1").Return(nil, nil),
		next.EXPECT().FindByID(gomock.Any(), "order-1").Return(nil, errors.New("db down")),
		next.EXPECT().FindByID(gomock.Any(), "order-1").Return(testOrder(), nil),
	)

	repo := store.NewCachedOrderRepository(next, 10, time.Minute)
	ctx := context.Background()

	o, err := repo.FindByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	_, err = repo.FindByID(ctx, "order-1")
	require.Error(t, err)

	o, err = repo.FindByID(ctx, "order-1")
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestCachedOrderRepository_Invalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockOrderRepository(ctrl)
	next.EXPECT().FindByID(gomock.Any(), "order-1").Return(testOrder(), nil).Times(2)

	repo := store.NewCachedOrderRepository(next, 10, time.Minute)
	_, err := repo.FindByID(context.Background(), "order-1")
	require.NoError(t, err)

	repo.Invalidate("order-1")
	_, err = repo.FindByID(context.Background(), "order-1")
	require.NoError(t, err)
}

func TestCachedOrderRepository_DoesNotCacheOrdersWithoutAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockOrderRepository(ctrl)
	pending := testOrder()
	pending.DepositAddress = nil
	gomock.InOrder(
		next.EXPECT().FindByID(gomock.Any(), "order-1").Return(pending, nil),
		next.EXPECT().FindByID(gomock.Any(), "order-1").Return(testOrder(), nil),
	)

	repo := store.NewCachedOrderRepository(next, 10, time.Minute)
	ctx := context.Background()

	first, err := repo.FindByID(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, first.Scannable())

	second, err := repo.FindByID(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, second.Scannable())
	assert.Equal(t, "0xdep", second.DepositAddress.Address)
	assert.Equal(t, int64(0), repo.Stats().Hits)
}
