// Package lifecycle resolves prediction outcomes from price history.
//
// An evaluation pass re-derives each open prediction's state from the
// intraday bars since its start: conditional triggers, profit-target and
// stop-loss hits, pending manual exits and expiry. Every closed prediction
// is then credited to the advisor's ledger once. Passes are idempotent and
// run under a per-advisor, per-day lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/lock"
	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/price"
	"github.com/atmx/prediction-engine/internal/store"
)

// ExitPlacer flattens the broker position of a real prediction.
type ExitPlacer interface {
	PlaceExit(ctx context.Context, p *model.Prediction) error
}

// Result counts what one pass did.
type Result struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Closed    int `json:"closed"`
	Settled   int `json:"settled"`
	Skipped   int `json:"skipped"`   // price data unavailable this pass
	Conflicts int `json:"conflicts"` // changed by another writer during the pass
}

func (r *Result) add(o Result) {
	r.Evaluated += o.Evaluated
	r.Triggered += o.Triggered
	r.Closed += o.Closed
	r.Settled += o.Settled
	r.Skipped += o.Skipped
	r.Conflicts += o.Conflicts
}

// Evaluator runs lifecycle passes.
type Evaluator struct {
	store    store.PredictionStore
	ledger   *ledger.Ledger
	prices   price.Source
	calendar *market.Calendar
	locker   lock.Locker
	exits    ExitPlacer
	lockTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(
	st store.PredictionStore,
	l *ledger.Ledger,
	prices price.Source,
	cal *market.Calendar,
	locker lock.Locker,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		store:    st,
		ledger:   l,
		prices:   prices,
		calendar: cal,
		locker:   locker,
		lockTTL:  5 * time.Minute,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetExitPlacer attaches the component that closes broker positions of
// expired real predictions.
func (e *Evaluator) SetExitPlacer(x ExitPlacer) { e.exits = x }

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// LockKey is the run lock for one advisor on one day.
func LockKey(advisorID string, day time.Time) string {
	return fmt.Sprintf("lifecycle:%s:%s", advisorID, model.DateKey(day))
}

// EvaluateAll runs a pass for every advisor with open or unsettled
// predictions. Advisors locked by another worker are skipped. A failing
// advisor does not stop the pass; the failures are joined into the
// returned error.
func (e *Evaluator) EvaluateAll(ctx context.Context) (Result, error) {
	advisors, err := e.store.ListActiveAdvisors(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle.EvaluateAll: %w", err)
	}

	var total Result
	var failed []error
	for _, advisorID := range advisors {
		r, err := e.EvaluateAdvisor(ctx, advisorID)
		total.add(r)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrLocked):
			e.logger.Info("advisor evaluation skipped, lock held", "advisor_id", advisorID)
		case ctx.Err() != nil:
			return total, err
		default:
			e.logger.Error("advisor evaluation failed", "advisor_id", advisorID, "err", err)
			failed = append(failed, fmt.Errorf("advisor %s: %w", advisorID, err))
		}
	}
	return total, errors.Join(failed...)
}

// EvaluateAdvisor runs a pass over one advisor's predictions.
func (e *Evaluator) EvaluateAdvisor(ctx context.Context, advisorID string) (Result, error) {
	now := e.now()
	release, err := e.locker.TryAcquire(ctx, LockKey(advisorID, e.calendar.Day(now)), e.lockTTL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("lifecycle lock release failed", "advisor_id", advisorID, "err", rerr)
		}
	}()

	var res Result

	open, err := e.store.ListPredictions(ctx, store.PredictionQuery{AdvisorID: advisorID, OpenOnly: true})
	if err != nil {
		return res, fmt.Errorf("lifecycle.EvaluateAdvisor %s: %w", advisorID, err)
	}
	for i := range open {
		p := &open[i]
		res.Evaluated++
		before := *p

		err := e.evaluateOpen(ctx, p, now)
		if err != nil {
			if isPriceUnavailable(err) {
				res.Skipped++
				e.logger.Warn("prediction skipped, price unavailable", "advisor_id", advisorID, "prediction_id", p.ID, "err", err)
				continue
			}
			return res, err
		}
		if !changed(before, *p) {
			continue
		}
		if err := e.store.UpdatePrediction(ctx, p); err != nil {
			if errs.IsConflict(err) {
				res.Conflicts++
				e.logger.Info("prediction changed during pass", "advisor_id", advisorID, "prediction_id", p.ID, "err", err)
				continue
			}
			return res, fmt.Errorf("lifecycle: update %s: %w", p.ID, err)
		}
		if before.Triggered != p.Triggered {
			res.Triggered++
			metrics.LifecycleTransitions.WithLabelValues(string(model.StateActive)).Inc()
		}
		if p.IsClosed() {
			res.Closed++
			metrics.LifecycleTransitions.WithLabelValues(string(p.State())).Inc()
			e.logger.Info("prediction closed",
				"advisor_id", advisorID,
				"prediction_id", p.ID,
				"state", p.State(),
				"price", p.Status.Price,
			)
		}
	}

	unsettled, err := e.store.ListPredictions(ctx, store.PredictionQuery{AdvisorID: advisorID, Unsettled: true})
	if err != nil {
		return res, fmt.Errorf("lifecycle.EvaluateAdvisor %s: %w", advisorID, err)
	}
	for i := range unsettled {
		p := &unsettled[i]
		if p.Status.ExitPending {
			if p.Real {
				continue // resolved by the exit fill
			}
			resolved, err := e.resolvePendingExit(ctx, p)
			if err != nil {
				if isPriceUnavailable(err) {
					res.Skipped++
					continue
				}
				return res, err
			}
			if !resolved {
				continue
			}
			if err := e.store.UpdatePrediction(ctx, p); err != nil {
				if errs.IsConflict(err) {
					res.Conflicts++
					continue
				}
				return res, fmt.Errorf("lifecycle: update %s: %w", p.ID, err)
			}
			metrics.LifecycleTransitions.WithLabelValues(string(p.State())).Inc()
		}

		if err := e.ledger.Settle(ctx, e.store, p); err != nil {
			if errs.IsValidation(err) {
				e.logger.Warn("settlement deferred", "advisor_id", advisorID, "prediction_id", p.ID, "err", err)
				continue
			}
			if errs.IsConflict(err) {
				res.Conflicts++
				continue
			}
			return res, err
		}
		res.Settled++
	}

	return res, nil
}

// evaluateOpen advances one open prediction as far as the bars up to now
// allow.
func (e *Evaluator) evaluateOpen(ctx context.Context, p *model.Prediction, now time.Time) error {
	lastDay := e.calendar.Day(now)
	if endDay := e.calendar.Day(p.EndDate); endDay.Before(lastDay) {
		lastDay = endDay
	}
	cutoff := now
	if endClose := e.calendar.SessionClose(p.EndDate); endClose.Before(cutoff) {
		cutoff = endClose
	}

	if !p.Real || p.IsTriggered() {
		if err := e.scan(ctx, p, lastDay, cutoff); err != nil {
			return err
		}
	}

	if p.IsClosed() || now.Before(e.calendar.ExpiryTime(p.EndDate)) {
		return nil
	}
	return e.expire(ctx, p)
}

// scan walks the bars from the prediction's start to cutoff, resolving the
// trigger and then the first target or stop-loss hit.
func (e *Evaluator) scan(ctx context.Context, p *model.Prediction, lastDay, cutoff time.Time) error {
	start := p.StartDate
	for day := e.calendar.Day(start); !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		if !e.calendar.IsTradingDay(day) {
			continue
		}
		bars, err := e.intraday(ctx, p.Position.Security, day)
		if err != nil {
			return err
		}
		for _, bar := range bars {
			if bar.Time.Before(start) || !bar.Time.Before(cutoff) {
				continue
			}
			if !p.IsTriggered() {
				if e.triggers(p, bar) {
					if err := p.Trigger(bar.Time, bar.Close); err != nil {
						return err
					}
				}
				continue // the trigger bar itself is not scanned for exits
			}
			if p.Triggered.Status && !bar.Time.After(p.Triggered.TrueDate) {
				continue
			}
			p.Observe(bar.Low, bar.High)
			if p.Real {
				continue // brackets close real positions
			}
			if outcome, px, hit := e.exitHit(p, bar); hit {
				return p.Close(outcome, bar.Time, px)
			}
		}
	}
	return nil
}

// triggers reports whether a bar meets the entry condition. LIMIT enters a
// long on a dip to the trigger and a short on a rally to it; CROSS inverts
// both. A session-open bar whose open already passed the target does not
// trigger.
func (e *Evaluator) triggers(p *model.Prediction, bar model.Bar) bool {
	trig := p.Conditional.TriggerPrice
	long := p.IsLong()
	if p.Conditional.TriggerType == model.TriggerCross {
		long = !long
	}
	hit := (long && bar.Low <= trig) || (!long && bar.High >= trig)
	if !hit {
		return false
	}
	if e.calendar.IsSessionOpenBar(bar.Time) {
		if p.IsLong() && bar.Open >= p.Target {
			return false
		}
		if !p.IsLong() && bar.Open <= p.Target {
			return false
		}
	}
	return true
}

// exitHit checks a bar for a target or stop-loss cross. When both are
// crossed within the same bar the stop-loss wins. On the session-open bar a
// gap through the level fills at the open.
func (e *Evaluator) exitHit(p *model.Prediction, bar model.Bar) (model.Outcome, float64, bool) {
	stop := p.StopLossPrice()
	openBar := e.calendar.IsSessionOpenBar(bar.Time)

	if p.IsLong() {
		if bar.Low <= stop {
			if openBar && bar.Open < stop {
				return model.OutcomeStopLoss, bar.Open, true
			}
			return model.OutcomeStopLoss, stop, true
		}
		if bar.High >= p.Target {
			if openBar && bar.Open > p.Target {
				return model.OutcomeProfitTarget, bar.Open, true
			}
			return model.OutcomeProfitTarget, p.Target, true
		}
		return model.OutcomeNone, 0, false
	}

	if bar.High >= stop {
		if openBar && bar.Open > stop {
			return model.OutcomeStopLoss, bar.Open, true
		}
		return model.OutcomeStopLoss, stop, true
	}
	if bar.Low <= p.Target {
		if openBar && bar.Open < p.Target {
			return model.OutcomeProfitTarget, bar.Open, true
		}
		return model.OutcomeProfitTarget, p.Target, true
	}
	return model.OutcomeNone, 0, false
}

// expire closes a prediction past its end date at the latest quote.
func (e *Evaluator) expire(ctx context.Context, p *model.Prediction) error {
	quote, err := e.prices.LatestQuote(ctx, p.Position.Security)
	if err != nil {
		return err
	}
	if err := p.Close(model.OutcomeExpired, e.calendar.SessionClose(p.EndDate), quote.Close); err != nil {
		return err
	}
	if p.Real && p.IsTriggered() && e.exits != nil {
		if err := e.exits.PlaceExit(ctx, p); err != nil {
			e.logger.Error("expiry exit order failed", "prediction_id", p.ID, "err", err)
		}
	}
	return nil
}

// resolvePendingExit prices a virtual manual exit at the open of the first
// bar at or after the exit time. A stop-loss breached earlier that day takes
// precedence. Returns false while that bar is not yet available.
func (e *Evaluator) resolvePendingExit(ctx context.Context, p *model.Prediction) (bool, error) {
	exitAt := p.Status.TrueDate
	bars, err := e.intraday(ctx, p.Position.Security, e.calendar.Day(exitAt))
	if err != nil {
		return false, err
	}
	from := e.calendar.SessionOpen(exitAt)
	if start := p.EffectiveStart(); start.After(from) {
		from = start
	}

	stop := p.StopLossPrice()
	for _, bar := range bars {
		if bar.Time.Before(from) {
			continue
		}
		if bar.Time.Before(exitAt) {
			if p.Conditional.IsConditional && !bar.Time.After(p.Triggered.TrueDate) {
				continue
			}
			if (p.IsLong() && bar.Low <= stop) || (!p.IsLong() && bar.High >= stop) {
				px := stop
				if e.calendar.IsSessionOpenBar(bar.Time) &&
					((p.IsLong() && bar.Open < stop) || (!p.IsLong() && bar.Open > stop)) {
					px = bar.Open
				}
				return true, p.ResolveExit(model.OutcomeStopLoss, bar.Time, px)
			}
			continue
		}
		return true, p.ResolveExit(model.OutcomeManualExit, exitAt, bar.Open)
	}
	return false, nil
}

// intraday returns the day's bars in time order whatever order the feed
// used, since the first crossing decides the outcome.
func (e *Evaluator) intraday(ctx context.Context, sec model.Security, day time.Time) ([]model.Bar, error) {
	bars, err := e.prices.IntradayHistory(ctx, sec, day)
	if err != nil {
		return nil, err
	}
	price.SortBars(bars)
	return bars, nil
}

func changed(before, after model.Prediction) bool {
	return before.Triggered != after.Triggered ||
		before.Status != after.Status ||
		before.PriceInterval != after.PriceInterval ||
		before.Position != after.Position
}

func isPriceUnavailable(err error) bool {
	return errs.IsTimeout(err) || errs.IsNotFound(err)
}
