// Package pnl computes profit-and-loss statistics over predictions.
//
// A Summary splits predictions into net, long and short buckets. Every
// average in a bucket is stored with the count it was taken over, so two
// summaries of disjoint prediction sets merge into the summary of their
// union without revisiting the predictions.
package pnl

import (
	"encoding/json"
	"math"
	"time"

	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/model"
)

// Ratio is a float64 that marshals NaN and ±Inf as null.
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Bucket aggregates one side of a summary. PnL figures are in thousands,
// like Position.Investment; percentages are fractions of cost.
type Bucket struct {
	Count         int `json:"count"`
	CountPositive int `json:"count_positive"`
	CountNegative int `json:"count_negative"`

	Cost         float64 `json:"cost"`       // Σ |investment|
	Investment   float64 `json:"investment"` // Σ investment
	CurrentValue float64 `json:"current_value"`
	PnL          float64 `json:"pnl"`
	PnLPositive  float64 `json:"pnl_positive"` // Σ of positive pnl
	PnLNegative  float64 `json:"pnl_negative"` // Σ |negative pnl|

	MinPnL    float64 `json:"min_pnl"`
	MaxPnL    float64 `json:"max_pnl"`
	MinPnLPct float64 `json:"min_pnl_pct"`
	MaxPnLPct float64 `json:"max_pnl_pct"`

	AvgPnLPct        float64 `json:"avg_pnl_pct"`        // over Count
	AvgHoldingPeriod float64 `json:"avg_holding_period"` // trading days, over Count
	AvgWinPct        float64 `json:"avg_win_pct"`        // over CountPositive
	AvgLossPct       float64 `json:"avg_loss_pct"`       // over CountNegative

	ProfitFactor Ratio `json:"profit_factor"` // PnLPositive / PnLNegative
	WinRatio     Ratio `json:"win_ratio"`     // CountPositive / Count
}

// Summary is the mergeable PnL aggregate.
type Summary struct {
	AsOf  time.Time `json:"as_of"`
	Net   Bucket    `json:"net"`
	Long  Bucket    `json:"long"`
	Short Bucket    `json:"short"`
}

// Contribution is one prediction's figures.
type Contribution struct {
	PredictionID  string  `json:"prediction_id"`
	Cost          float64 `json:"cost"`
	Investment    float64 `json:"investment"`
	CurrentValue  float64 `json:"current_value"`
	PnL           float64 `json:"pnl"`
	PnLPct        float64 `json:"pnl_pct"`
	HoldingPeriod int     `json:"holding_period"`
}

// Contribute evaluates one prediction as of asOf. The value follows the
// ledger's settlement rule: investment × lastPrice/avgPrice, but only when the
// prediction is triggered and both avgPrice and lastPrice are positive.
// Untriggered predictions and positions without a known last price are valued
// at the investment itself, so they contribute zero PnL.
func Contribute(p *model.Prediction, asOf time.Time, cal *market.Calendar) Contribution {
	inv := p.Position.Investment
	value := inv
	if p.IsTriggered() && p.Position.AvgPrice > 0 && p.Position.LastPrice > 0 {
		value = inv * (p.Position.LastPrice / p.Position.AvgPrice)
	}
	c := Contribution{
		PredictionID: p.ID,
		Cost:         math.Abs(inv),
		Investment:   inv,
		CurrentValue: value,
		PnL:          value - inv,
	}
	if c.Cost > 0 {
		c.PnLPct = c.PnL / c.Cost
	}

	end := asOf
	if p.IsClosed() && !p.Status.TrueDate.IsZero() && p.Status.TrueDate.Before(end) {
		end = p.Status.TrueDate
	}
	if p.IsTriggered() {
		c.HoldingPeriod = cal.TradingDaysBetween(p.EffectiveStart(), end)
	}
	return c
}

// ComputeStats summarizes predictions as of asOf.
func ComputeStats(preds []model.Prediction, asOf time.Time, cal *market.Calendar) Summary {
	var net, long, short accumulator
	for i := range preds {
		c := Contribute(&preds[i], asOf, cal)
		net.add(c)
		switch {
		case c.Investment > 0:
			long.add(c)
		case c.Investment < 0:
			short.add(c)
		}
	}
	return Summary{
		AsOf:  asOf,
		Net:   net.bucket(),
		Long:  long.bucket(),
		Short: short.bucket(),
	}
}

// MergeStats combines summaries of two disjoint prediction sets.
func MergeStats(a, b Summary) Summary {
	asOf := a.AsOf
	if b.AsOf.After(asOf) {
		asOf = b.AsOf
	}
	return Summary{
		AsOf:  asOf,
		Net:   mergeBucket(a.Net, b.Net),
		Long:  mergeBucket(a.Long, b.Long),
		Short: mergeBucket(a.Short, b.Short),
	}
}

type accumulator struct {
	b                                 Bucket
	sumPct, sumHold, sumWin, sumLoss float64
}

func (a *accumulator) add(c Contribution) {
	b := &a.b
	if b.Count == 0 {
		b.MinPnL, b.MaxPnL = c.PnL, c.PnL
		b.MinPnLPct, b.MaxPnLPct = c.PnLPct, c.PnLPct
	} else {
		b.MinPnL = math.Min(b.MinPnL, c.PnL)
		b.MaxPnL = math.Max(b.MaxPnL, c.PnL)
		b.MinPnLPct = math.Min(b.MinPnLPct, c.PnLPct)
		b.MaxPnLPct = math.Max(b.MaxPnLPct, c.PnLPct)
	}
	b.Count++
	b.Cost += c.Cost
	b.Investment += c.Investment
	b.CurrentValue += c.CurrentValue
	b.PnL += c.PnL
	a.sumPct += c.PnLPct
	a.sumHold += float64(c.HoldingPeriod)

	switch {
	case c.PnL > 0:
		b.CountPositive++
		b.PnLPositive += c.PnL
		a.sumWin += c.PnLPct
	case c.PnL < 0:
		b.CountNegative++
		b.PnLNegative += -c.PnL
		a.sumLoss += c.PnLPct
	}
}

func (a *accumulator) bucket() Bucket {
	b := a.b
	b.AvgPnLPct = mean(a.sumPct, b.Count)
	b.AvgHoldingPeriod = mean(a.sumHold, b.Count)
	b.AvgWinPct = mean(a.sumWin, b.CountPositive)
	b.AvgLossPct = mean(a.sumLoss, b.CountNegative)
	b.derive()
	return b
}

func mergeBucket(a, b Bucket) Bucket {
	if a.Count == 0 {
		return b
	}
	if b.Count == 0 {
		return a
	}
	m := Bucket{
		Count:         a.Count + b.Count,
		CountPositive: a.CountPositive + b.CountPositive,
		CountNegative: a.CountNegative + b.CountNegative,
		Cost:          a.Cost + b.Cost,
		Investment:    a.Investment + b.Investment,
		CurrentValue:  a.CurrentValue + b.CurrentValue,
		PnL:           a.PnL + b.PnL,
		PnLPositive:   a.PnLPositive + b.PnLPositive,
		PnLNegative:   a.PnLNegative + b.PnLNegative,
		MinPnL:        math.Min(a.MinPnL, b.MinPnL),
		MaxPnL:        math.Max(a.MaxPnL, b.MaxPnL),
		MinPnLPct:     math.Min(a.MinPnLPct, b.MinPnLPct),
		MaxPnLPct:     math.Max(a.MaxPnLPct, b.MaxPnLPct),
	}
	m.AvgPnLPct = weighted(a.AvgPnLPct, a.Count, b.AvgPnLPct, b.Count)
	m.AvgHoldingPeriod = weighted(a.AvgHoldingPeriod, a.Count, b.AvgHoldingPeriod, b.Count)
	m.AvgWinPct = weighted(a.AvgWinPct, a.CountPositive, b.AvgWinPct, b.CountPositive)
	m.AvgLossPct = weighted(a.AvgLossPct, a.CountNegative, b.AvgLossPct, b.CountNegative)
	m.derive()
	return m
}

// derive recomputes the ratios. ProfitFactor is NaN while no loss has been
// booked; WinRatio is NaN for an empty bucket.
func (b *Bucket) derive() {
	b.ProfitFactor = Ratio(math.NaN())
	if b.PnLNegative != 0 {
		b.ProfitFactor = Ratio(b.PnLPositive / b.PnLNegative)
	}
	b.WinRatio = Ratio(math.NaN())
	if b.Count > 0 {
		b.WinRatio = Ratio(float64(b.CountPositive) / float64(b.Count))
	}
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func weighted(avgA float64, nA int, avgB float64, nB int) float64 {
	if nA+nB == 0 {
		return 0
	}
	return (avgA*float64(nA) + avgB*float64(nB)) / float64(nA+nB)
}
