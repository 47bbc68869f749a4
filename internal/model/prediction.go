package model

import (
	"math"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
)

// StopLossType selects how Prediction.StopLoss is interpreted.
type StopLossType string

const (
	StopLossNotional StopLossType = "NOTIONAL" // absolute price
	StopLossPercent  StopLossType = "PERCENT"  // fraction of avgPrice, e.g. 0.05
)

// TriggerType selects the direction of a conditional trigger.
type TriggerType string

const (
	TriggerLimit TriggerType = "LIMIT"
	TriggerCross TriggerType = "CROSS"
)

// Outcome is the terminal status of a prediction. OutcomeNone means open.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeProfitTarget Outcome = "PROFIT_TARGET"
	OutcomeStopLoss     Outcome = "STOP_LOSS"
	OutcomeManualExit   Outcome = "MANUAL_EXIT"
	OutcomeExpired      Outcome = "EXPIRED"
)

// State is the lifecycle state derived from trigger and outcome.
type State string

const (
	StateConditionalPending State = "CONDITIONAL_PENDING"
	StateActive             State = "ACTIVE"
	StateClosedProfitTarget State = "CLOSED_PROFIT_TARGET"
	StateClosedStopLoss     State = "CLOSED_STOP_LOSS"
	StateClosedManualExit   State = "CLOSED_MANUAL_EXIT"
	StateClosedExpired      State = "CLOSED_EXPIRED"
)

// Security identifies a listed instrument.
type Security struct {
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Position is the sized trade behind a prediction.
type Position struct {
	Security   Security `json:"security"`
	Investment float64  `json:"investment"` // signed, in thousands; >0 long, <0 short
	Quantity   float64  `json:"quantity"`
	AvgPrice   float64  `json:"avg_price"`
	LastPrice  float64  `json:"last_price"`
}

// Conditional holds the entry condition of a conditional prediction.
type Conditional struct {
	IsConditional bool        `json:"is_conditional"`
	TriggerPrice  float64     `json:"trigger_price,omitempty"`
	TriggerType   TriggerType `json:"trigger_type,omitempty"`
}

// Triggered records when a conditional prediction became active.
type Triggered struct {
	Status   bool      `json:"status"`
	Date     time.Time `json:"date,omitempty"`
	TrueDate time.Time `json:"true_date,omitempty"`
}

// Status records the terminal outcome. At most one outcome can be set since
// it is a single field.
type Status struct {
	Outcome     Outcome   `json:"outcome,omitempty"`
	Date        time.Time `json:"date,omitempty"`
	TrueDate    time.Time `json:"true_date,omitempty"`
	Price       float64   `json:"price,omitempty"`
	ExitPending bool      `json:"exit_pending,omitempty"` // manual exit awaiting intraday price
}

// PriceInterval holds the running extremes since trigger.
type PriceInterval struct {
	LowPrice  float64 `json:"low_price"`
	HighPrice float64 `json:"high_price"`
}

// AdminActivity is an operator note attached to a prediction.
type AdminActivity struct {
	Date   time.Time `json:"date"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Prediction is an advisor's directional call on a security.
// Identity: (AdvisorID, ID).
type Prediction struct {
	ID            string          `json:"id"`
	AdvisorID     string          `json:"advisor_id"`
	Position      Position        `json:"position"`
	Target        float64         `json:"target"`
	StopLoss      float64         `json:"stop_loss"`
	StopLossType  StopLossType    `json:"stop_loss_type"`
	Conditional   Conditional     `json:"conditional"`
	Triggered     Triggered       `json:"triggered"`
	Status        Status          `json:"status"`
	PriceInterval PriceInterval   `json:"price_interval"`
	CreatedDate   time.Time       `json:"created_date"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	Real          bool            `json:"real"`
	Settled       bool            `json:"settled"` // ledger credit applied after close
	Version       int64           `json:"version"` // bumped by every store update
	TradeActivity []TradeActivity `json:"trade_activity,omitempty"`
	OrderActivity []OrderActivity `json:"order_activity,omitempty"`
	AdminActivity []AdminActivity `json:"admin_activity,omitempty"`
}

// IsLong reports a positive investment.
func (p *Prediction) IsLong() bool { return p.Position.Investment > 0 }

// IsClosed reports whether a terminal outcome is set.
func (p *Prediction) IsClosed() bool { return p.Status.Outcome != OutcomeNone }

// IsTriggered reports whether the prediction is active in the market: always
// true for unconditional predictions.
func (p *Prediction) IsTriggered() bool {
	return !p.Conditional.IsConditional || p.Triggered.Status
}

// State derives the lifecycle state.
func (p *Prediction) State() State {
	switch p.Status.Outcome {
	case OutcomeProfitTarget:
		return StateClosedProfitTarget
	case OutcomeStopLoss:
		return StateClosedStopLoss
	case OutcomeManualExit:
		return StateClosedManualExit
	case OutcomeExpired:
		return StateClosedExpired
	}
	if !p.IsTriggered() {
		return StateConditionalPending
	}
	return StateActive
}

// EffectiveStart is the trigger time for triggered conditionals, else StartDate.
func (p *Prediction) EffectiveStart() time.Time {
	if p.Conditional.IsConditional && p.Triggered.Status {
		if !p.Triggered.TrueDate.IsZero() {
			return p.Triggered.TrueDate
		}
		return p.Triggered.Date
	}
	return p.StartDate
}

// StopLossPrice resolves the absolute stop price. PERCENT applies the stored
// fraction to avgPrice: below it for longs, above it for shorts.
func (p *Prediction) StopLossPrice() float64 {
	if p.StopLossType != StopLossPercent {
		return p.StopLoss
	}
	pct := math.Abs(p.StopLoss)
	if p.IsLong() {
		return p.Position.AvgPrice * (1 - pct)
	}
	return p.Position.AvgPrice * (1 + pct)
}

// Trigger activates a pending conditional prediction at the given bar.
func (p *Prediction) Trigger(at time.Time, price float64) error {
	if p.IsClosed() {
		return errs.ErrAlreadyClosed
	}
	p.Triggered = Triggered{Status: true, Date: truncateDay(at), TrueDate: at}
	p.Position.AvgPrice = price
	p.PriceInterval = PriceInterval{LowPrice: price, HighPrice: price}
	return nil
}

// Close applies a terminal outcome. It is the only way to set one, which
// keeps the outcomes mutually exclusive.
func (p *Prediction) Close(outcome Outcome, at time.Time, price float64) error {
	if outcome == OutcomeNone {
		return errs.NewValidationError("outcome", outcome, "closing outcome required")
	}
	if p.IsClosed() {
		return errs.ErrAlreadyClosed
	}
	p.Status = Status{
		Outcome:  outcome,
		Date:     truncateDay(at),
		TrueDate: at,
		Price:    price,
	}
	if price != 0 {
		p.Position.LastPrice = price
	}
	p.Settled = false
	return nil
}

// MarkExitPending records a manual exit whose exit price is not yet known.
func (p *Prediction) MarkExitPending(at time.Time) error {
	if err := p.Close(OutcomeManualExit, at, 0); err != nil {
		return err
	}
	p.Status.ExitPending = true
	return nil
}

// ResolveExit settles a pending manual exit at price. A stop-loss breached
// before the exit replaces the manual outcome.
func (p *Prediction) ResolveExit(outcome Outcome, at time.Time, price float64) error {
	if !p.Status.ExitPending {
		return errs.ErrAlreadyClosed
	}
	if outcome != OutcomeManualExit && outcome != OutcomeStopLoss {
		return errs.NewValidationError("outcome", outcome, "pending exit resolves to manual exit or stop-loss")
	}
	if price <= 0 {
		return errs.NewValidationError("price", price, "exit price required")
	}
	p.Status = Status{
		Outcome:  outcome,
		Date:     truncateDay(at),
		TrueDate: at,
		Price:    price,
	}
	p.Position.LastPrice = price
	return nil
}

// Observe extends the running price interval.
func (p *Prediction) Observe(low, high float64) {
	if low > 0 && (p.PriceInterval.LowPrice == 0 || low < p.PriceInterval.LowPrice) {
		p.PriceInterval.LowPrice = low
	}
	if high > p.PriceInterval.HighPrice {
		p.PriceInterval.HighPrice = high
	}
}

// HasTrade reports whether an execution id is already in the trade log.
func (p *Prediction) HasTrade(execID string) bool {
	for _, t := range p.TradeActivity {
		if t.ExecID == execID {
			return true
		}
	}
	return false
}

// Flags returns the legacy per-outcome booleans.
func (s Status) Flags() (profitTarget, stopLoss, manualExit, expired bool) {
	return s.Outcome == OutcomeProfitTarget,
		s.Outcome == OutcomeStopLoss,
		s.Outcome == OutcomeManualExit,
		s.Outcome == OutcomeExpired
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey formats the day a prediction document is filed under.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
