package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/price"
	"github.com/atmx/prediction-engine/internal/security"
	"github.com/atmx/prediction-engine/internal/store"
)

// Holding is the open exposure in one security.
type Holding struct {
	Security      model.Security `json:"security"`
	Predictions   int            `json:"predictions"`
	Investment    float64        `json:"investment"` // signed Σ
	Cost          float64        `json:"cost"`
	Quantity      float64        `json:"quantity"` // signed shares
	LatestPrice   float64        `json:"latest_price"`
	CurrentValue  float64        `json:"current_value"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
}

// Portfolio is an advisor's open positions and account.
type Portfolio struct {
	AdvisorID     string         `json:"advisor_id"`
	Account       *model.Account `json:"account,omitempty"`
	Holdings      []Holding      `json:"holdings"`
	TotalCost     float64        `json:"total_cost"`
	TotalValue    float64        `json:"total_value"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
}

// ComputePortfolio groups open predictions by security and values them at
// quotes, keyed by security.Key. A missing quote falls back to the
// prediction's last price. Untriggered conditionals are held at cost.
func ComputePortfolio(open []model.Prediction, quotes map[string]float64, acct *model.Account) Portfolio {
	bySec := make(map[string]*Holding)
	for i := range open {
		p := &open[i]
		if p.IsClosed() {
			continue
		}
		key := security.Key(p.Position.Security)
		h, ok := bySec[key]
		if !ok {
			h = &Holding{Security: p.Position.Security, LatestPrice: quotes[key]}
			bySec[key] = h
		}

		inv := p.Position.Investment
		value := inv
		if p.IsTriggered() && p.Position.AvgPrice > 0 {
			last := h.LatestPrice
			if last <= 0 {
				last = p.Position.LastPrice
			}
			if last > 0 {
				value = inv * (last / p.Position.AvgPrice)
			}
			h.Quantity += math.Copysign(p.Position.Quantity, inv)
		}

		h.Predictions++
		h.Investment += inv
		h.Cost += math.Abs(inv)
		h.CurrentValue += value
		h.UnrealizedPnL += value - inv
	}

	pf := Portfolio{Account: acct, Holdings: make([]Holding, 0, len(bySec))}
	if acct != nil {
		pf.AdvisorID = acct.AdvisorID
	}
	for _, h := range bySec {
		pf.Holdings = append(pf.Holdings, *h)
		pf.TotalCost += h.Cost
		pf.TotalValue += h.CurrentValue
		pf.UnrealizedPnL += h.UnrealizedPnL
	}
	sort.Slice(pf.Holdings, func(i, j int) bool {
		return security.Key(pf.Holdings[i].Security) < security.Key(pf.Holdings[j].Security)
	})
	return pf
}

// Reporter loads predictions and prices for statistics and portfolio views.
type Reporter struct {
	store    store.Store
	prices   price.Source
	calendar *market.Calendar
	logger   *slog.Logger
}

// NewReporter creates a reporter.
func NewReporter(st store.Store, prices price.Source, cal *market.Calendar, logger *slog.Logger) *Reporter {
	return &Reporter{store: st, prices: prices, calendar: cal, logger: logger}
}

// Stats summarizes an advisor's predictions filed between from and to
// (zero leaves a bound open) as of asOf.
func (r *Reporter) Stats(ctx context.Context, advisorID string, from, to, asOf time.Time) (Summary, error) {
	preds, err := r.store.ListPredictions(ctx, store.PredictionQuery{AdvisorID: advisorID, From: from, To: to})
	if err != nil {
		return Summary{}, fmt.Errorf("pnl.Stats %s: %w", advisorID, err)
	}
	return ComputeStats(preds, asOf, r.calendar), nil
}

// Portfolio values an advisor's open predictions at the latest quotes.
// Securities without a quote are valued at their last known price.
func (r *Reporter) Portfolio(ctx context.Context, advisorID string) (Portfolio, error) {
	open, err := r.store.ListPredictions(ctx, store.PredictionQuery{AdvisorID: advisorID, OpenOnly: true})
	if err != nil {
		return Portfolio{}, fmt.Errorf("pnl.Portfolio %s: %w", advisorID, err)
	}
	acct, err := r.store.GetAccount(ctx, advisorID)
	if err != nil {
		return Portfolio{}, err
	}

	quotes := make(map[string]float64)
	for i := range open {
		sec := open[i].Position.Security
		key := security.Key(sec)
		if _, ok := quotes[key]; ok {
			continue
		}
		q, err := r.prices.LatestQuote(ctx, sec)
		if err != nil {
			r.logger.Warn("portfolio quote unavailable", "ticker", sec.Ticker, "err", err)
			quotes[key] = 0
			continue
		}
		quotes[key] = q.Close
	}
	return ComputePortfolio(open, quotes, acct), nil
}
