// Package broker defines the command side of the trading gateway and the
// sink its asynchronous notifications are delivered to.
package broker

import (
	"context"
	"fmt"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// OrderType is the gateway order type.
type OrderType string

const (
	OrderTypeMarket      OrderType = "market"
	OrderTypeLimit       OrderType = "limit"
	OrderTypeStopLimit   OrderType = "stopLimit"
	OrderTypeMarketClose OrderType = "marketClose"
	OrderTypeBracket     OrderType = "bracket"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ExecutionSide maps an order side onto the side reported in executions.
func (s Side) ExecutionSide() string {
	if s == SideBuy {
		return model.SideBought
	}
	return model.SideSold
}

// OrderRequest is a placeOrder command.
type OrderRequest struct {
	Security         model.Security
	Side             Side
	Quantity         float64
	Price            float64 // limit price; ignored for market orders
	OrderType        OrderType
	StopLossPrice    float64 // bracket stop child, or stop trigger for stopLimit
	ProfitLimitPrice float64 // bracket profit child

	// Role tags a single order. Bracket children are always profit and stop.
	Role model.OrderRole
}

// Validate checks the request before it reaches the gateway.
func (r OrderRequest) Validate() error {
	if r.Security.Ticker == "" {
		return errs.NewValidationError("security", r.Security, "ticker required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return errs.NewValidationError("side", r.Side, "must be BUY or SELL")
	}
	if r.Quantity <= 0 {
		return errs.NewValidationError("quantity", r.Quantity, "must be positive")
	}
	switch r.OrderType {
	case OrderTypeMarket, OrderTypeMarketClose:
	case OrderTypeLimit:
		if r.Price <= 0 {
			return errs.NewValidationError("price", r.Price, "limit order needs a price")
		}
	case OrderTypeStopLimit:
		if r.Price <= 0 || r.StopLossPrice <= 0 {
			return errs.NewValidationError("price", r.Price, "stop-limit order needs limit and stop prices")
		}
	case OrderTypeBracket:
		if r.ProfitLimitPrice <= 0 || r.StopLossPrice <= 0 {
			return errs.NewValidationError("bracket", r.OrderType, "bracket order needs profit and stop prices")
		}
	default:
		return errs.NewValidationError("order_type", r.OrderType, "unsupported order type")
	}
	return nil
}

// PlacedOrder is one order id returned by PlaceOrder.
type PlacedOrder struct {
	OrderID string
	Role    model.OrderRole
}

// ModifyParams changes a working order. Zero fields are left unchanged.
type ModifyParams struct {
	Quantity  float64
	Price     float64
	StopPrice float64
}

// Gateway accepts order commands. Results of those commands arrive later as
// BrokerEvents on an EventSink.
type Gateway interface {
	// PlaceOrder submits an order. Bracket orders return parent, profit and
	// stop-loss ids in that order.
	PlaceOrder(ctx context.Context, req OrderRequest) ([]PlacedOrder, error)
	ModifyOrder(ctx context.Context, orderID string, params ModifyParams) error
	CancelOrder(ctx context.Context, orderID string) error
}

// EventSink receives inbound gateway notifications.
type EventSink interface {
	Submit(ctx context.Context, ev model.BrokerEvent) error
}

// ErrUnknownOrder is returned for commands against an order the gateway
// does not hold.
func ErrUnknownOrder(orderID string) error {
	return fmt.Errorf("broker: %w", errs.NotFound("order", orderID))
}
