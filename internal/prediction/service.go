// Package prediction is the entry point for advisor actions on predictions:
// creating them, and exiting them manually.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/prediction-engine/internal/broker"
	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/limits"
	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/orderstate"
	"github.com/atmx/prediction-engine/internal/price"
	"github.com/atmx/prediction-engine/internal/security"
	"github.com/atmx/prediction-engine/internal/store"
)

// Service creates and exits predictions.
type Service struct {
	store    store.PredictionStore
	ledger   *ledger.Ledger
	limiter  *limits.Limiter
	prices   price.Source
	calendar *market.Calendar
	gateway  broker.Gateway   // nil disables real predictions
	orders   orderstate.Cache // order → prediction map for gateway events
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a prediction service. gateway and orders may be nil when
// only virtual predictions are accepted.
func NewService(
	st store.PredictionStore,
	l *ledger.Ledger,
	limiter *limits.Limiter,
	prices price.Source,
	cal *market.Calendar,
	gateway broker.Gateway,
	orders orderstate.Cache,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    st,
		ledger:   l,
		limiter:  limiter,
		prices:   prices,
		calendar: cal,
		gateway:  gateway,
		orders:   orders,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateRequest describes a new prediction.
type CreateRequest struct {
	AdvisorID    string             `json:"advisor_id"`
	Symbol       string             `json:"symbol"`               // [EXCHANGE:]TICKER[:CC]
	Investment   float64            `json:"investment,omitempty"` // signed, thousands
	Quantity     float64            `json:"quantity,omitempty"`   // signed shares; overrides Investment
	Target       float64            `json:"target"`
	StopLoss     float64            `json:"stop_loss"`
	StopLossType model.StopLossType `json:"stop_loss_type,omitempty"`
	TriggerPrice float64            `json:"trigger_price,omitempty"` // > 0 makes the prediction conditional
	TriggerType  model.TriggerType  `json:"trigger_type,omitempty"`
	EndDate      time.Time          `json:"end_date"`
	Real         bool               `json:"real"`
}

// Create validates, persists and debits a new prediction. Real predictions
// also place a bracket order with the gateway.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Prediction, error) {
	if req.AdvisorID == "" {
		return nil, errs.NewValidationError("advisor_id", req.AdvisorID, "required")
	}
	sec, err := security.Parse(req.Symbol)
	if err != nil {
		return nil, errs.NewValidationError("symbol", req.Symbol, err.Error())
	}

	quote, err := s.prices.LatestQuote(ctx, sec)
	if err != nil {
		if errs.IsTimeout(err) {
			return nil, err
		}
		return nil, errs.NewValidationError("price", sec.Ticker, "no latest price available")
	}
	latest := quote.Close
	if latest <= 0 {
		return nil, errs.NewValidationError("price", latest, "no latest price available")
	}

	investment, err := resolveInvestment(req, latest)
	if err != nil {
		return nil, err
	}

	existing, err := s.openExposure(ctx, req.AdvisorID)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.CheckLimit(security.Key(sec), investment, existing); err != nil {
		return nil, errs.NewValidationError("investment", investment, err.Error())
	}

	p := model.Prediction{
		ID:        uuid.New().String(),
		AdvisorID: req.AdvisorID,
		Position: model.Position{
			Security:   sec,
			Investment: investment,
			AvgPrice:   latest,
		},
		Target:       req.Target,
		StopLoss:     req.StopLoss,
		StopLossType: req.StopLossType,
		Real:         req.Real,
	}
	if p.StopLossType == "" {
		p.StopLossType = model.StopLossNotional
	}

	if req.TriggerPrice > 0 {
		triggerType := req.TriggerType
		if triggerType == "" {
			triggerType = model.TriggerLimit
		}
		if triggerType != model.TriggerLimit && triggerType != model.TriggerCross {
			return nil, errs.NewValidationError("trigger_type", triggerType, "must be LIMIT or CROSS")
		}
		p.Conditional = model.Conditional{IsConditional: true, TriggerPrice: req.TriggerPrice, TriggerType: triggerType}
		p.Position.AvgPrice = req.TriggerPrice
	}

	if err := validateLevels(&p); err != nil {
		return nil, err
	}

	if req.Quantity != 0 {
		p.Position.Quantity = math.Abs(req.Quantity)
	} else {
		p.Position.Quantity = math.Abs(investment) * 1000 / p.Position.AvgPrice
	}
	if p.Real {
		if s.gateway == nil || s.orders == nil {
			return nil, errs.NewValidationError("real", true, "broker gateway not configured")
		}
		p.Position.Quantity = math.Floor(p.Position.Quantity)
		if p.Position.Quantity < 1 {
			return nil, errs.NewValidationError("quantity", p.Position.Quantity, "real predictions need at least one share")
		}
	}

	now := s.now()
	p.CreatedDate = now
	p.StartDate = s.sessionStart(now)
	if req.EndDate.IsZero() || !req.EndDate.After(p.StartDate) {
		return nil, errs.NewValidationError("end_date", req.EndDate, "must be after the start date")
	}
	p.EndDate = req.EndDate

	if _, err := s.ledger.Debit(ctx, req.AdvisorID, []model.Prediction{p}); err != nil {
		return nil, fmt.Errorf("prediction.Create debit: %w", err)
	}
	day := s.calendar.Day(p.StartDate)
	if err := s.store.AddPredictions(ctx, req.AdvisorID, day, []model.Prediction{p}); err != nil {
		s.refund(ctx, p)
		return nil, fmt.Errorf("prediction.Create persist: %w", err)
	}

	kind := "virtual"
	if p.Real {
		kind = "real"
		if err := s.placeEntry(ctx, &p); err != nil {
			return nil, err
		}
	}
	metrics.PredictionsCreated.WithLabelValues(kind).Inc()

	s.logger.Info("prediction created",
		"advisor_id", p.AdvisorID,
		"prediction_id", p.ID,
		"ticker", sec.Ticker,
		"investment", investment,
		"avg_price", p.Position.AvgPrice,
		"conditional", p.Conditional.IsConditional,
		"real", p.Real,
	)
	return &p, nil
}

// resolveInvestment returns the signed investment in thousands. A supplied
// quantity is sized at the latest price and takes its sign from Investment
// when one is given, else from the quantity itself.
func resolveInvestment(req CreateRequest, latest float64) (float64, error) {
	if req.Quantity == 0 {
		if req.Investment == 0 {
			return 0, errs.NewValidationError("investment", req.Investment, "investment or quantity required")
		}
		return req.Investment, nil
	}
	sign := 1.0
	switch {
	case req.Investment < 0:
		sign = -1
	case req.Investment == 0 && req.Quantity < 0:
		sign = -1
	}
	return sign * math.Abs(req.Quantity) * latest / 1000, nil
}

// validateLevels requires stop < entry < target for longs and
// target < entry < stop for shorts.
func validateLevels(p *model.Prediction) error {
	entry := p.Position.AvgPrice
	if p.Target <= 0 {
		return errs.NewValidationError("target", p.Target, "must be positive")
	}
	switch p.StopLossType {
	case model.StopLossNotional:
		if p.StopLoss <= 0 {
			return errs.NewValidationError("stop_loss", p.StopLoss, "must be positive")
		}
	case model.StopLossPercent:
		if p.StopLoss <= 0 || p.StopLoss >= 1 {
			return errs.NewValidationError("stop_loss", p.StopLoss, "percent stop must be between 0 and 1")
		}
	default:
		return errs.NewValidationError("stop_loss_type", p.StopLossType, "must be NOTIONAL or PERCENT")
	}

	stop := p.StopLossPrice()
	if p.IsLong() {
		if !(stop < entry && entry < p.Target) {
			return errs.NewValidationError("target", p.Target,
				fmt.Sprintf("long requires stop %.4f < entry %.4f < target", stop, entry))
		}
		return nil
	}
	if !(p.Target < entry && entry < stop) {
		return errs.NewValidationError("target", p.Target,
			fmt.Sprintf("short requires target < entry %.4f < stop %.4f", entry, stop))
	}
	return nil
}

// sessionStart returns now during a session, else the next session open.
func (s *Service) sessionStart(now time.Time) time.Time {
	if s.calendar.IsOpen(now) {
		return now
	}
	if s.calendar.IsTradingDay(now) && now.Before(s.calendar.SessionOpen(now)) {
		return s.calendar.SessionOpen(now)
	}
	return s.calendar.SessionOpen(s.calendar.NextTradingDay(now))
}

func (s *Service) openExposure(ctx context.Context, advisorID string) (map[string]float64, error) {
	open, err := s.store.ListPredictions(ctx, store.PredictionQuery{AdvisorID: advisorID, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("prediction.openExposure: %w", err)
	}
	exposure := make(map[string]float64)
	for i := range open {
		exposure[security.Key(open[i].Position.Security)] += math.Abs(open[i].Position.Investment)
	}
	return exposure, nil
}

// refund credits back the debit of a prediction that could not be stored,
// closing a copy of it flat at its entry price.
func (s *Service) refund(ctx context.Context, p model.Prediction) {
	if err := p.Close(model.OutcomeManualExit, s.now(), p.Position.AvgPrice); err != nil {
		s.logger.Error("refund failed", "advisor_id", p.AdvisorID, "prediction_id", p.ID, "err", err)
		return
	}
	if _, err := s.ledger.Credit(ctx, p.AdvisorID, &p); err != nil {
		s.logger.Error("refund failed", "advisor_id", p.AdvisorID, "prediction_id", p.ID, "err", err)
	}
}

// placeEntry sends the bracket order for a real prediction and maps every
// returned order id. When the gateway refuses the order the prediction is
// closed flat and credited back.
func (s *Service) placeEntry(ctx context.Context, p *model.Prediction) error {
	side := broker.SideBuy
	if !p.IsLong() {
		side = broker.SideSell
	}
	placed, err := s.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Security:         p.Position.Security,
		Side:             side,
		Quantity:         p.Position.Quantity,
		Price:            p.Position.AvgPrice,
		OrderType:        broker.OrderTypeBracket,
		StopLossPrice:    p.StopLossPrice(),
		ProfitLimitPrice: p.Target,
		Role:             model.RoleEntry,
	})
	if err != nil {
		s.logger.Error("order placement failed", "advisor_id", p.AdvisorID, "prediction_id", p.ID, "err", err)
		p.AdminActivity = append(p.AdminActivity, model.AdminActivity{
			Date: s.now(), Action: "order_rejected", Note: err.Error(),
		})
		if cerr := p.Close(model.OutcomeManualExit, s.now(), p.Position.AvgPrice); cerr == nil {
			if serr := s.ledger.Settle(ctx, s.store, p); serr != nil {
				s.logger.Error("rollback credit failed", "prediction_id", p.ID, "err", serr)
			}
		}
		return fmt.Errorf("prediction.Create place order: %w", err)
	}
	return s.mapOrders(ctx, p, placed, p.Position.Quantity)
}

// mapOrders registers placed orders so their gateway events can be matched
// to the prediction, and lists them as working in its order status.
func (s *Service) mapOrders(ctx context.Context, p *model.Prediction, placed []broker.PlacedOrder, qty float64) error {
	status, err := s.orders.GetPredictionStatus(ctx, p.AdvisorID, p.ID)
	if errs.IsNotFound(err) {
		status = &model.PredictionOrderStatus{AdvisorID: p.AdvisorID, PredictionID: p.ID}
	} else if err != nil {
		return err
	}

	for _, o := range placed {
		ref := model.OrderRef{AdvisorID: p.AdvisorID, PredictionID: p.ID, Role: o.Role}
		if err := s.orders.MapOrder(ctx, o.OrderID, ref); err != nil {
			return fmt.Errorf("prediction: map order %s: %w", o.OrderID, err)
		}
		entry := status.Order(o.OrderID)
		entry.Role = o.Role
		entry.TotalQuantity = qty
		entry.BrokerStatus = model.BrokerPendingSubmit
		s.logger.Info("order placed", "prediction_id", p.ID, "order_id", o.OrderID, "role", o.Role)
	}
	return s.orders.PutPredictionStatus(ctx, status)
}

// ManualExit closes a prediction on the advisor's request. An untriggered
// conditional closes and settles immediately. A triggered prediction needs
// an open market; its exit price is resolved later from intraday history,
// or from the exit fill for real predictions.
func (s *Service) ManualExit(ctx context.Context, advisorID, predictionID string) (*model.Prediction, error) {
	p, err := s.store.GetPrediction(ctx, advisorID, predictionID)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		return nil, errs.ErrAlreadyClosed
	}

	now := s.now()
	if !p.IsTriggered() {
		if err := p.Close(model.OutcomeManualExit, now, s.exitQuote(ctx, p)); err != nil {
			return nil, err
		}
		if err := s.store.UpdatePrediction(ctx, p); err != nil {
			return nil, err
		}
		if p.Real {
			s.cancelWorking(ctx, p, nil)
		}
		if err := s.ledger.Settle(ctx, s.store, p); err != nil {
			return nil, err
		}
		metrics.LifecycleTransitions.WithLabelValues(string(p.State())).Inc()
		return p, nil
	}

	if !s.calendar.IsOpen(now) {
		return nil, fmt.Errorf("prediction %s: %w", predictionID, errs.ErrMarketClosed)
	}
	if err := p.MarkExitPending(now); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePrediction(ctx, p); err != nil {
		return nil, err
	}

	if p.Real {
		if err := s.placeExit(ctx, p); err != nil {
			return nil, err
		}
	}
	s.logger.Info("manual exit requested", "advisor_id", advisorID, "prediction_id", predictionID)
	return p, nil
}

// exitQuote is the latest price for a prediction closed without a fill,
// falling back to its entry price.
func (s *Service) exitQuote(ctx context.Context, p *model.Prediction) float64 {
	quote, err := s.prices.LatestQuote(ctx, p.Position.Security)
	if err != nil || quote.Close <= 0 {
		s.logger.Warn("exit quote unavailable, using entry price", "prediction_id", p.ID, "err", err)
		return p.Position.AvgPrice
	}
	return quote.Close
}

// PlaceExit closes the broker position of a real prediction with a market
// order. The lifecycle evaluator calls it for expired predictions.
func (s *Service) PlaceExit(ctx context.Context, p *model.Prediction) error {
	if !p.Real || s.gateway == nil || s.orders == nil {
		return nil
	}
	return s.placeExit(ctx, p)
}

// placeExit cancels the working bracket children and sends a market order
// closing the filled quantity.
func (s *Service) placeExit(ctx context.Context, p *model.Prediction) error {
	status, err := s.orders.GetPredictionStatus(ctx, p.AdvisorID, p.ID)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}
	s.cancelWorking(ctx, p, status)

	qty := p.Position.Quantity
	if status != nil && status.Accumulated != 0 {
		qty = math.Abs(status.Accumulated)
	}
	if qty == 0 {
		return nil
	}
	side := broker.SideSell
	if !p.IsLong() {
		side = broker.SideBuy
	}
	placed, err := s.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Security:  p.Position.Security,
		Side:      side,
		Quantity:  qty,
		OrderType: broker.OrderTypeMarket,
		Role:      model.RoleExit,
	})
	if err != nil {
		return fmt.Errorf("prediction.ManualExit place exit: %w", err)
	}
	return s.mapOrders(ctx, p, placed, qty)
}

// cancelWorking cancels every still-active order of a prediction.
func (s *Service) cancelWorking(ctx context.Context, p *model.Prediction, status *model.PredictionOrderStatus) {
	if s.gateway == nil {
		return
	}
	if status == nil && s.orders != nil {
		st, err := s.orders.GetPredictionStatus(ctx, p.AdvisorID, p.ID)
		if err != nil {
			return
		}
		status = st
	}
	if status == nil {
		return
	}
	for _, o := range status.Orders {
		if !o.ActiveStatus || o.CompleteStatus {
			continue
		}
		if err := s.gateway.CancelOrder(ctx, o.OrderID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.logger.Warn("cancel failed", "order_id", o.OrderID, "err", err)
		}
	}
}
