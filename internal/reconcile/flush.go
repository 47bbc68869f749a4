package reconcile

import (
	"context"
	"fmt"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
)

// FlushDue flushes every order whose delay has elapsed and returns how many
// were flushed. A failed flush stays scheduled and is retried on the next
// call.
func (p *Pipeline) FlushDue(ctx context.Context) (int, error) {
	ids, err := p.flushes.Due(ctx, p.now(), p.cfg.FlushBatch)
	if err != nil {
		return 0, fmt.Errorf("reconcile.FlushDue: %w", err)
	}

	flushed := 0
	var firstErr error
	for _, id := range ids {
		if err := p.Flush(ctx, id); err != nil {
			metrics.FlushesTotal.WithLabelValues("failed").Inc()
			p.logger.Error("order flush failed", "order_id", id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := p.flushes.Complete(ctx, id); err != nil {
			return flushed, fmt.Errorf("reconcile.FlushDue complete %s: %w", id, err)
		}
		flushed++
	}
	return flushed, firstErr
}

// Flush copies a filled order's activity into its prediction, applies the
// fill price according to the order's role, then drops the ephemeral state
// and marks the order processed. Missing order state or a missing
// prediction make it a no-op, so a flush can safely run more than once.
func (p *Pipeline) Flush(ctx context.Context, orderID string) error {
	st, err := p.orders.GetOrder(ctx, orderID)
	if errs.IsNotFound(err) {
		metrics.FlushesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	pred, err := p.store.GetPrediction(ctx, st.AdvisorID, st.PredictionID)
	if errs.IsNotFound(err) {
		p.logger.Warn("flush target missing", "order_id", orderID, "prediction_id", st.PredictionID)
		metrics.FlushesTotal.WithLabelValues("skipped").Inc()
		return p.retire(ctx, orderID)
	}
	if err != nil {
		return err
	}

	wasClosed := pred.IsClosed() && !pred.Status.ExitPending
	mergeActivity(pred, st)
	if err := p.applyFill(pred, st); err != nil {
		return fmt.Errorf("reconcile.Flush %s: %w", orderID, err)
	}
	if err := p.store.UpdatePrediction(ctx, pred); err != nil {
		return fmt.Errorf("reconcile.Flush %s: %w", orderID, err)
	}

	if pred.IsClosed() && !pred.Status.ExitPending && !pred.Settled {
		if !wasClosed {
			metrics.LifecycleTransitions.WithLabelValues(string(pred.State())).Inc()
		}
		if err := p.ledger.Settle(ctx, p.store, pred); err != nil {
			return fmt.Errorf("reconcile.Flush %s settle: %w", orderID, err)
		}
	}

	metrics.FlushesTotal.WithLabelValues("applied").Inc()
	p.logger.Info("order flushed",
		"order_id", orderID,
		"advisor_id", pred.AdvisorID,
		"prediction_id", pred.ID,
		"role", st.Role,
		"state", pred.State(),
	)
	return p.retire(ctx, orderID)
}

func (p *Pipeline) retire(ctx context.Context, orderID string) error {
	if err := p.orders.MarkProcessed(ctx, orderID); err != nil {
		return err
	}
	return p.orders.DeleteOrder(ctx, orderID)
}

// applyFill moves the order's final fill onto the prediction. Entry fills
// set the entry price and size; profit, stop and exit fills set the exit
// price, closing the prediction when the broker closed it first.
func (p *Pipeline) applyFill(pred *model.Prediction, st *model.OrderState) error {
	if len(st.TradeActivity) == 0 {
		return nil
	}
	last := st.TradeActivity[len(st.TradeActivity)-1]
	if last.AvgPrice <= 0 {
		return nil
	}
	at := last.Date

	switch st.Role {
	case model.RoleEntry, "":
		if pred.Conditional.IsConditional && !pred.Triggered.Status && !pred.IsClosed() {
			if err := pred.Trigger(at, last.AvgPrice); err != nil {
				return err
			}
		}
		pred.Position.AvgPrice = last.AvgPrice
		pred.Position.Quantity = last.CumQty
		return nil

	case model.RoleProfitTarget, model.RoleStopLoss, model.RoleExit:
		outcome := outcomeFor(st.Role)
		switch {
		case pred.Status.ExitPending:
			if outcome != model.OutcomeStopLoss {
				outcome = model.OutcomeManualExit
			}
			return pred.ResolveExit(outcome, at, last.AvgPrice)
		case !pred.IsClosed():
			return pred.Close(outcome, at, last.AvgPrice)
		case !pred.Settled:
			pred.Position.LastPrice = last.AvgPrice
		}
		return nil
	}
	return fmt.Errorf("%w: order role %q", errs.ErrRejectedEvent, st.Role)
}

func outcomeFor(role model.OrderRole) model.Outcome {
	switch role {
	case model.RoleProfitTarget:
		return model.OutcomeProfitTarget
	case model.RoleStopLoss:
		return model.OutcomeStopLoss
	}
	return model.OutcomeManualExit
}

// mergeActivity appends the order's activity that the prediction does not
// already carry.
func mergeActivity(pred *model.Prediction, st *model.OrderState) {
	for _, t := range st.TradeActivity {
		if !pred.HasTrade(t.ExecID) {
			pred.TradeActivity = append(pred.TradeActivity, t)
		}
	}
	for _, a := range st.OrderActivity {
		if !hasOrderActivity(pred, a) {
			pred.OrderActivity = append(pred.OrderActivity, a)
		}
	}
}

func hasOrderActivity(pred *model.Prediction, a model.OrderActivity) bool {
	for _, existing := range pred.OrderActivity {
		if existing.OrderID == a.OrderID && existing.Kind == a.Kind && existing.Message == a.Message {
			return true
		}
	}
	return false
}
