package model

import (
	"fmt"
	"time"
)

// EventKind names the three broker notifications.
type EventKind string

const (
	EventOpenOrder   EventKind = "open_order"
	EventOrderStatus EventKind = "order_status"
	EventExecution   EventKind = "execution"
)

// Execution sides as reported by the gateway.
const (
	SideBought = "BOT"
	SideSold   = "SLD"
)

// Broker order statuses.
const (
	BrokerPendingSubmit = "PendingSubmit"
	BrokerPreSubmitted  = "PreSubmitted"
	BrokerSubmitted     = "Submitted"
	BrokerFilled        = "Filled"
	BrokerCancelled     = "Cancelled"
	BrokerApiCancelled  = "ApiCancelled"
	BrokerInactive      = "Inactive"
)

// IsActiveBrokerStatus reports whether an order in this status can still fill.
func IsActiveBrokerStatus(status string) bool {
	switch status {
	case BrokerFilled, BrokerCancelled, BrokerApiCancelled, BrokerInactive:
		return false
	}
	return true
}

// OrderRole is the purpose of a broker order within its prediction.
type OrderRole string

const (
	RoleEntry        OrderRole = "entry"
	RoleProfitTarget OrderRole = "profit"
	RoleStopLoss     OrderRole = "stop"
	RoleExit         OrderRole = "exit"
)

// BrokerEvent is one inbound gateway notification. Fields not used by a kind
// are zero.
type BrokerEvent struct {
	Kind        EventKind `json:"kind"`
	OrderID     string    `json:"order_id"`
	Quantity    float64   `json:"quantity,omitempty"`
	Status      string    `json:"status,omitempty"`
	WarningText string    `json:"warning_text,omitempty"`
	ExecID      string    `json:"exec_id,omitempty"`
	Side        string    `json:"side,omitempty"`
	Shares      float64   `json:"shares,omitempty"`
	CumQty      float64   `json:"cum_qty,omitempty"`
	AvgPrice    float64   `json:"avg_price,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Payload renders the broker-supplied fields in a canonical form. Two
// deliveries of the same message produce the same payload regardless of
// when they were received.
func (e BrokerEvent) Payload() string {
	switch e.Kind {
	case EventOpenOrder:
		return fmt.Sprintf("openOrder|%s|%g|%s|%s", e.OrderID, e.Quantity, e.Status, e.WarningText)
	case EventOrderStatus:
		return fmt.Sprintf("orderStatus|%s|%s|%g|%g", e.OrderID, e.Status, e.CumQty, e.AvgPrice)
	case EventExecution:
		return fmt.Sprintf("execDetails|%s|%s|%s|%g|%g|%g", e.OrderID, e.ExecID, e.Side, e.Shares, e.CumQty, e.AvgPrice)
	}
	return fmt.Sprintf("%s|%s", e.Kind, e.OrderID)
}

// SignedShares returns shares, negative for sells.
func (e BrokerEvent) SignedShares() float64 {
	if e.Side == SideSold {
		return -e.Shares
	}
	return e.Shares
}

// OrderActivity is a broker message recorded against an order.
type OrderActivity struct {
	Date         time.Time `json:"date"`
	OrderID      string    `json:"order_id"`
	Kind         EventKind `json:"kind"`
	BrokerStatus string    `json:"broker_status,omitempty"`
	Quantity     float64   `json:"quantity,omitempty"`
	Message      string    `json:"message"`
	Automated    bool      `json:"automated"`
}

// TradeActivity is one execution recorded against an order.
type TradeActivity struct {
	Date     time.Time `json:"date"`
	OrderID  string    `json:"order_id"`
	ExecID   string    `json:"exec_id"`
	Side     string    `json:"side"`
	Shares   float64   `json:"shares"`
	CumQty   float64   `json:"cum_qty"`
	AvgPrice float64   `json:"avg_price"`
}

// OrderRef maps a broker order to the prediction it was placed for.
type OrderRef struct {
	AdvisorID    string    `json:"advisor_id"`
	PredictionID string    `json:"prediction_id"`
	Role         OrderRole `json:"role"`
}

// OrderState is the in-flight view of one broker order.
type OrderState struct {
	OrderID         string          `json:"order_id"`
	AdvisorID       string          `json:"advisor_id"`
	PredictionID    string          `json:"prediction_id"`
	Role            OrderRole       `json:"role"`
	OrderedQuantity float64         `json:"ordered_quantity"`
	OrderActivity   []OrderActivity `json:"order_activity"`
	TradeActivity   []TradeActivity `json:"trade_activity"`
}

// HasMessage reports whether an identical broker message of the given kind was recorded.
func (s *OrderState) HasMessage(kind EventKind, message string) bool {
	for _, a := range s.OrderActivity {
		if a.Kind == kind && a.Message == message {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent recorded message of a kind.
func (s *OrderState) LastMessage(kind EventKind) (string, bool) {
	for i := len(s.OrderActivity) - 1; i >= 0; i-- {
		if s.OrderActivity[i].Kind == kind {
			return s.OrderActivity[i].Message, true
		}
	}
	return "", false
}

// HasExecution reports whether an execution id was already applied.
func (s *OrderState) HasExecution(execID string) bool {
	for _, t := range s.TradeActivity {
		if t.ExecID == execID {
			return true
		}
	}
	return false
}

// OrderStatusEntry tracks one order within PredictionOrderStatus.
type OrderStatusEntry struct {
	OrderID        string    `json:"order_id"`
	Role           OrderRole `json:"role"`
	ActiveStatus   bool      `json:"active_status"`
	CompleteStatus bool      `json:"complete_status"`
	BrokerStatus   string    `json:"broker_status"`
	AccQuantity    float64   `json:"acc_quantity"` // signed cumulative fill
	TotalQuantity  float64   `json:"total_quantity"`
}

// PredictionOrderStatus aggregates fills across the orders of one prediction.
type PredictionOrderStatus struct {
	AdvisorID    string             `json:"advisor_id"`
	PredictionID string             `json:"prediction_id"`
	Accumulated  float64            `json:"accumulated"` // signed fill quantity
	Orders       []OrderStatusEntry `json:"orders"`
}

// Order returns the entry for an order id, creating it when absent.
func (s *PredictionOrderStatus) Order(orderID string) *OrderStatusEntry {
	for i := range s.Orders {
		if s.Orders[i].OrderID == orderID {
			return &s.Orders[i]
		}
	}
	s.Orders = append(s.Orders, OrderStatusEntry{OrderID: orderID, ActiveStatus: true})
	return &s.Orders[len(s.Orders)-1]
}

// OrderStatusUpdate is published to subscribers when an order changes.
type OrderStatusUpdate struct {
	AdvisorID    string           `json:"advisor_id"`
	PredictionID string           `json:"prediction_id"`
	Accumulated  float64          `json:"accumulated"`
	Order        OrderStatusEntry `json:"order"`
	Kind         EventKind        `json:"kind"`
	Timestamp    time.Time        `json:"timestamp"`
}
