package reconcile

import (
	"context"
	"fmt"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// handleOpenOrder creates or extends the order's state. The order must have
// been mapped to a prediction when it was placed.
func (p *Pipeline) handleOpenOrder(ctx context.Context, ev model.BrokerEvent) error {
	if ev.Quantity == 0 {
		return fmt.Errorf("%w: open order %s has zero quantity", errs.ErrRejectedEvent, ev.OrderID)
	}
	if ev.WarningText != "" {
		return fmt.Errorf("%w: open order %s: %s", errs.ErrRejectedEvent, ev.OrderID, ev.WarningText)
	}
	if err := p.checkProcessed(ctx, ev); err != nil {
		return err
	}

	ref, err := p.orders.LookupOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	st, err := p.orders.GetOrder(ctx, ev.OrderID)
	switch {
	case errs.IsNotFound(err):
		st = &model.OrderState{
			OrderID:      ev.OrderID,
			AdvisorID:    ref.AdvisorID,
			PredictionID: ref.PredictionID,
			Role:         ref.Role,
		}
	case err != nil:
		return err
	}

	payload := ev.Payload()
	if st.HasMessage(model.EventOpenOrder, payload) {
		return errs.Stale(string(ev.Kind), payload)
	}
	st.OrderedQuantity = ev.Quantity

	status, err := p.predictionStatus(ctx, st)
	if err != nil {
		return err
	}
	entry := status.Order(ev.OrderID)
	entry.Role = st.Role
	entry.TotalQuantity = ev.Quantity
	if !entry.CompleteStatus && entry.BrokerStatus != model.BrokerFilled {
		entry.BrokerStatus = ev.Status
		entry.ActiveStatus = model.IsActiveBrokerStatus(ev.Status)
	}
	if err := p.orders.PutPredictionStatus(ctx, status); err != nil {
		return err
	}

	// The activity entry is the dedup key, so it is stored last.
	st.OrderActivity = append(st.OrderActivity, activity(ev, payload))
	if err := p.orders.PutOrder(ctx, st); err != nil {
		return err
	}

	p.notify(status, ev.OrderID, ev.Kind)
	return nil
}

// handleOrderStatus records a status change. A Filled order keeps that status.
func (p *Pipeline) handleOrderStatus(ctx context.Context, ev model.BrokerEvent) error {
	if err := p.checkProcessed(ctx, ev); err != nil {
		return err
	}
	st, err := p.orders.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	payload := ev.Payload()
	if last, ok := st.LastMessage(model.EventOrderStatus); ok && last == payload {
		return errs.Stale(string(ev.Kind), payload)
	}
	status, err := p.predictionStatus(ctx, st)
	if err != nil {
		return err
	}
	entry := status.Order(ev.OrderID)
	if entry.Role == "" {
		entry.Role = st.Role
	}
	if entry.BrokerStatus != model.BrokerFilled {
		entry.BrokerStatus = ev.Status
		entry.ActiveStatus = model.IsActiveBrokerStatus(ev.Status)
	}
	if err := p.orders.PutPredictionStatus(ctx, status); err != nil {
		return err
	}

	st.OrderActivity = append(st.OrderActivity, activity(ev, payload))
	if err := p.orders.PutOrder(ctx, st); err != nil {
		return err
	}

	p.notify(status, ev.OrderID, ev.Kind)
	return nil
}

// handleExecution records a fill. Once the cumulative quantity reaches the
// ordered quantity the order is complete and its durable flush is scheduled.
func (p *Pipeline) handleExecution(ctx context.Context, ev model.BrokerEvent) error {
	if ev.ExecID == "" || ev.Shares <= 0 {
		return fmt.Errorf("%w: execution on %s without id or shares", errs.ErrRejectedEvent, ev.OrderID)
	}
	if err := p.checkProcessed(ctx, ev); err != nil {
		return err
	}
	st, err := p.orders.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	complete := st.OrderedQuantity > 0 && ev.CumQty >= st.OrderedQuantity
	if st.HasExecution(ev.ExecID) {
		// A retry of a fill whose flush was never scheduled completes the
		// scheduling; rescheduling keeps the earlier due time.
		if complete {
			if err := p.scheduleFlush(ctx, ev, st); err != nil {
				return err
			}
		}
		return errs.Stale(string(ev.Kind), ev.ExecID)
	}

	status, err := p.predictionStatus(ctx, st)
	if err != nil {
		return err
	}
	entry := status.Order(ev.OrderID)
	if entry.Role == "" {
		entry.Role = st.Role
	}
	entry.AccQuantity = signed(ev.Side, ev.CumQty)
	if complete {
		entry.CompleteStatus = true
		entry.ActiveStatus = false
		entry.BrokerStatus = model.BrokerFilled
	}
	status.Accumulated = accumulated(status)
	if err := p.orders.PutPredictionStatus(ctx, status); err != nil {
		return err
	}

	st.TradeActivity = append(st.TradeActivity, model.TradeActivity{
		Date:     ev.ReceivedAt,
		OrderID:  ev.OrderID,
		ExecID:   ev.ExecID,
		Side:     ev.Side,
		Shares:   ev.Shares,
		CumQty:   ev.CumQty,
		AvgPrice: ev.AvgPrice,
	})
	if err := p.orders.PutOrder(ctx, st); err != nil {
		return err
	}

	if complete {
		if err := p.scheduleFlush(ctx, ev, st); err != nil {
			return err
		}
	}

	p.notify(status, ev.OrderID, ev.Kind)
	return nil
}

func (p *Pipeline) scheduleFlush(ctx context.Context, ev model.BrokerEvent, st *model.OrderState) error {
	due := p.now().Add(p.cfg.FlushDelay)
	if err := p.flushes.Schedule(ctx, ev.OrderID, due); err != nil {
		return fmt.Errorf("reconcile: schedule flush %s: %w", ev.OrderID, err)
	}
	p.logger.Info("order filled",
		"order_id", ev.OrderID,
		"prediction_id", st.PredictionID,
		"cum_qty", ev.CumQty,
		"avg_price", ev.AvgPrice,
		"flush_at", due,
	)
	return nil
}

func (p *Pipeline) checkProcessed(ctx context.Context, ev model.BrokerEvent) error {
	done, err := p.orders.IsProcessed(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if done {
		return errs.Stale(string(ev.Kind), "processed:"+ev.OrderID)
	}
	return nil
}

func (p *Pipeline) predictionStatus(ctx context.Context, st *model.OrderState) (*model.PredictionOrderStatus, error) {
	status, err := p.orders.GetPredictionStatus(ctx, st.AdvisorID, st.PredictionID)
	if errs.IsNotFound(err) {
		return &model.PredictionOrderStatus{AdvisorID: st.AdvisorID, PredictionID: st.PredictionID}, nil
	}
	return status, err
}

func activity(ev model.BrokerEvent, payload string) model.OrderActivity {
	return model.OrderActivity{
		Date:         ev.ReceivedAt,
		OrderID:      ev.OrderID,
		Kind:         ev.Kind,
		BrokerStatus: ev.Status,
		Quantity:     ev.Quantity,
		Message:      payload,
		Automated:    true,
	}
}

func signed(side string, qty float64) float64 {
	if side == model.SideSold {
		return -qty
	}
	return qty
}

// accumulated is the signed fill across every order of the prediction. It
// is derived from per-order cumulative quantities, so reapplying an
// execution cannot count it twice.
func accumulated(st *model.PredictionOrderStatus) float64 {
	var total float64
	for _, o := range st.Orders {
		total += o.AccQuantity
	}
	return total
}
