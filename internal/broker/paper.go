package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

type paperOrder struct {
	id       string
	req      OrderRequest
	role     model.OrderRole
	side     Side
	quantity float64
	filled   float64
	avgPrice float64
	status   string
}

// PaperGateway is a simulated Gateway. Orders never fill on their own;
// Acknowledge, Fill and CancelOrder synthesize the notifications a live
// gateway would send, delivering them to the sink.
type PaperGateway struct {
	mu     sync.Mutex
	orders map[string]*paperOrder
	placed []string
	sink   EventSink
	now    func() time.Time
}

// NewPaperGateway creates a paper gateway. sink may be nil, in which case no
// events are emitted.
func NewPaperGateway(sink EventSink) *PaperGateway {
	return &PaperGateway{
		orders: make(map[string]*paperOrder),
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetSink attaches the event sink after construction.
func (g *PaperGateway) SetSink(sink EventSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

func (g *PaperGateway) PlaceOrder(_ context.Context, req OrderRequest) ([]PlacedOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	role := req.Role
	if role == "" {
		role = model.RoleEntry
	}
	placed := []PlacedOrder{g.add(req, role, req.Side)}

	if req.OrderType == OrderTypeBracket {
		exit := req.Side.Opposite()
		placed = append(placed,
			g.add(req, model.RoleProfitTarget, exit),
			g.add(req, model.RoleStopLoss, exit),
		)
	}
	return placed, nil
}

// add registers an order. Caller holds g.mu.
func (g *PaperGateway) add(req OrderRequest, role model.OrderRole, side Side) PlacedOrder {
	id := "PAPER-" + uuid.New().String()
	g.placed = append(g.placed, id)
	g.orders[id] = &paperOrder{
		id:       id,
		req:      req,
		role:     role,
		side:     side,
		quantity: req.Quantity,
		status:   model.BrokerPendingSubmit,
	}
	return PlacedOrder{OrderID: id, Role: role}
}

func (g *PaperGateway) ModifyOrder(_ context.Context, orderID string, params ModifyParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return ErrUnknownOrder(orderID)
	}
	if !model.IsActiveBrokerStatus(o.status) {
		return fmt.Errorf("broker: order %s is %s", orderID, o.status)
	}
	if params.Quantity > 0 {
		if params.Quantity < o.filled {
			return errs.NewValidationError("quantity", params.Quantity, "below filled quantity")
		}
		o.quantity = params.Quantity
	}
	if params.Price > 0 {
		o.req.Price = params.Price
	}
	if params.StopPrice > 0 {
		o.req.StopLossPrice = params.StopPrice
	}
	return nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownOrder(orderID)
	}
	if !model.IsActiveBrokerStatus(o.status) {
		g.mu.Unlock()
		return nil
	}
	o.status = model.BrokerCancelled
	ev := g.statusEvent(o)
	g.mu.Unlock()

	return g.emit(ctx, ev)
}

// Acknowledge emits the open-order notification for a placed order.
func (g *PaperGateway) Acknowledge(ctx context.Context, orderID string) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownOrder(orderID)
	}
	o.status = model.BrokerSubmitted
	ev := model.BrokerEvent{
		Kind:       model.EventOpenOrder,
		OrderID:    o.id,
		Quantity:   o.quantity,
		Status:     o.status,
		ReceivedAt: g.now(),
	}
	g.mu.Unlock()

	return g.emit(ctx, ev)
}

// Fill executes shares of an order at price, emitting an execution and the
// resulting order status.
func (g *PaperGateway) Fill(ctx context.Context, orderID string, shares, price float64) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownOrder(orderID)
	}
	if !model.IsActiveBrokerStatus(o.status) {
		g.mu.Unlock()
		return fmt.Errorf("broker: order %s is %s", orderID, o.status)
	}
	if shares <= 0 || o.filled+shares > o.quantity {
		g.mu.Unlock()
		return errs.NewValidationError("shares", shares, "fill exceeds remaining quantity")
	}

	o.avgPrice = (o.avgPrice*o.filled + price*shares) / (o.filled + shares)
	o.filled += shares
	if o.filled == o.quantity {
		o.status = model.BrokerFilled
	} else {
		o.status = model.BrokerSubmitted
	}

	exec := model.BrokerEvent{
		Kind:       model.EventExecution,
		OrderID:    o.id,
		ExecID:     uuid.New().String(),
		Side:       o.side.ExecutionSide(),
		Shares:     shares,
		CumQty:     o.filled,
		AvgPrice:   o.avgPrice,
		ReceivedAt: g.now(),
	}
	status := g.statusEvent(o)
	g.mu.Unlock()

	if err := g.emit(ctx, exec); err != nil {
		return err
	}
	return g.emit(ctx, status)
}

// OrderIDs returns every placed order id in placement order.
func (g *PaperGateway) OrderIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.placed...)
}

// Status returns the gateway-side status of an order.
func (g *PaperGateway) Status(orderID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return "", false
	}
	return o.status, true
}

// statusEvent builds an order-status notification. Caller holds g.mu.
func (g *PaperGateway) statusEvent(o *paperOrder) model.BrokerEvent {
	return model.BrokerEvent{
		Kind:       model.EventOrderStatus,
		OrderID:    o.id,
		Status:     o.status,
		CumQty:     o.filled,
		AvgPrice:   o.avgPrice,
		ReceivedAt: g.now(),
	}
}

func (g *PaperGateway) emit(ctx context.Context, ev model.BrokerEvent) error {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Submit(ctx, ev)
}
