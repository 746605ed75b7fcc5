package store

import (
	"context"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/cache"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/metrics"
)

// CachedOrderRepository memoizes scannable orders in a TTL LRU. Misses,
// errors and orders still waiting for a deposit address always go to the
// underlying repository.
type CachedOrderRepository struct {
	next  OrderRepository
	cache *cache.LRU[string, model.Order]
}

func NewCachedOrderRepository(next OrderRepository, size int, ttl time.Duration) *CachedOrderRepository {
	return &CachedOrderRepository{
		next:  next,
		cache: cache.NewLRU[string, model.Order](size, ttl),
	}
}

func (r *CachedOrderRepository) FindByID(ctx context.Context, id string) (*model.Order, error) {
	if o, ok := r.cache.Get(id); ok {
		metrics.OrderCacheHits.Inc()
		return cloneOrder(o), nil
	}
	metrics.OrderCacheMisses.Inc()

	o, err := r.next.FindByID(ctx, id)
	if err != nil || o == nil || !o.Scannable() {
		return o, err
	}
	r.cache.Put(id, *cloneOrder(*o))
	return o, nil
}

// Invalidate drops id from the cache. Queue-driven scans call it so an
// enqueued order is always read with its current deposit address.
func (r *CachedOrderRepository) Invalidate(id string) {
	r.cache.Delete(id)
}

func (r *CachedOrderRepository) Stats() cache.Stats {
	return r.cache.Stats()
}

func cloneOrder(o model.Order) *model.Order {
	if o.DepositAddress != nil {
		addr := *o.DepositAddress
		o.DepositAddress = &addr
	}
	return &o
}
