package orderstate

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryCache implements Cache in process memory. Expired entries are
// dropped lazily on read.
type MemoryCache struct {
	mu   sync.Mutex
	ttls TTLs
	now  func() time.Time

	refs      map[string]entry[model.OrderRef]
	orders    map[string]entry[model.OrderState]
	processed map[string]entry[bool]
	statuses  map[string]entry[model.PredictionOrderStatus]
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(ttls TTLs) *MemoryCache {
	return &MemoryCache{
		ttls:      ttls,
		now:       time.Now,
		refs:      make(map[string]entry[model.OrderRef]),
		orders:    make(map[string]entry[model.OrderState]),
		processed: make(map[string]entry[bool]),
		statuses:  make(map[string]entry[model.PredictionOrderStatus]),
	}
}

// SetClock replaces the time source. Used by tests to move past TTLs.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemoryCache) live(expiresAt time.Time) bool {
	return expiresAt.IsZero() || c.now().Before(expiresAt)
}

func (c *MemoryCache) MapOrder(_ context.Context, orderID string, ref model.OrderRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[orderID] = entry[model.OrderRef]{value: ref, expiresAt: c.expiry(c.ttls.OrderMap)}
	return nil
}

func (c *MemoryCache) LookupOrder(_ context.Context, orderID string) (*model.OrderRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.refs[orderID]
	if !ok || !c.live(e.expiresAt) {
		delete(c.refs, orderID)
		return nil, errs.NotFound("order mapping", orderID)
	}
	ref := e.value
	return &ref, nil
}

func (c *MemoryCache) GetOrder(_ context.Context, orderID string) (*model.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.orders[orderID]
	if !ok || !c.live(e.expiresAt) {
		delete(c.orders, orderID)
		return nil, errs.NotFound("order state", orderID)
	}
	st := cloneOrder(e.value)
	return &st, nil
}

func (c *MemoryCache) PutOrder(_ context.Context, st *model.OrderState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[st.OrderID] = entry[model.OrderState]{value: cloneOrder(*st), expiresAt: c.expiry(c.ttls.OrderState)}
	return nil
}

func (c *MemoryCache) DeleteOrder(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, orderID)
	return nil
}

func (c *MemoryCache) MarkProcessed(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[orderID] = entry[bool]{value: true, expiresAt: c.expiry(c.ttls.Processed)}
	return nil
}

func (c *MemoryCache) IsProcessed(_ context.Context, orderID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.processed[orderID]
	if !ok || !c.live(e.expiresAt) {
		delete(c.processed, orderID)
		return false, nil
	}
	return e.value, nil
}

func (c *MemoryCache) GetPredictionStatus(_ context.Context, advisorID, predictionID string) (*model.PredictionOrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := statusKey(advisorID, predictionID)
	e, ok := c.statuses[key]
	if !ok || !c.live(e.expiresAt) {
		delete(c.statuses, key)
		return nil, errs.NotFound("prediction order status", key)
	}
	st := cloneStatus(e.value)
	return &st, nil
}

func (c *MemoryCache) PutPredictionStatus(_ context.Context, st *model.PredictionOrderStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := statusKey(st.AdvisorID, st.PredictionID)
	c.statuses[key] = entry[model.PredictionOrderStatus]{value: cloneStatus(*st), expiresAt: c.expiry(c.ttls.OrderState)}
	return nil
}
