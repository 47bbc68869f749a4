// Package orderstate holds the ephemeral view of in-flight broker orders:
// which prediction an order belongs to, the per-order activity log, the
// per-prediction fill aggregate, and a replay guard for flushed orders.
// Every entry expires.
package orderstate

import (
	"context"
	"time"

	"github.com/atmx/prediction-engine/internal/model"
)

// Cache is the Order-State Cache. Getters return errs.NotFoundError when an
// entry is absent or expired.
type Cache interface {
	// MapOrder records which prediction an order was placed for.
	MapOrder(ctx context.Context, orderID string, ref model.OrderRef) error
	LookupOrder(ctx context.Context, orderID string) (*model.OrderRef, error)

	GetOrder(ctx context.Context, orderID string) (*model.OrderState, error)
	PutOrder(ctx context.Context, st *model.OrderState) error
	DeleteOrder(ctx context.Context, orderID string) error

	// MarkProcessed blocks replays of an order after its durable flush.
	MarkProcessed(ctx context.Context, orderID string) error
	IsProcessed(ctx context.Context, orderID string) (bool, error)

	GetPredictionStatus(ctx context.Context, advisorID, predictionID string) (*model.PredictionOrderStatus, error)
	PutPredictionStatus(ctx context.Context, st *model.PredictionOrderStatus) error
}

// TTLs bounds the lifetime of each kind of entry.
type TTLs struct {
	OrderMap   time.Duration
	OrderState time.Duration
	Processed  time.Duration
}

// DefaultTTLs returns the lifetimes used when none are configured.
func DefaultTTLs() TTLs {
	return TTLs{
		OrderMap:   24 * time.Hour,
		OrderState: 7 * 24 * time.Hour,
		Processed:  7 * 24 * time.Hour,
	}
}

func cloneOrder(st model.OrderState) model.OrderState {
	c := st
	c.OrderActivity = append([]model.OrderActivity(nil), st.OrderActivity...)
	c.TradeActivity = append([]model.TradeActivity(nil), st.TradeActivity...)
	return c
}

func cloneStatus(st model.PredictionOrderStatus) model.PredictionOrderStatus {
	c := st
	c.Orders = append([]model.OrderStatusEntry(nil), st.Orders...)
	return c
}

func statusKey(advisorID, predictionID string) string {
	return advisorID + ":" + predictionID
}
