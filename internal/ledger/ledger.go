// Package ledger applies trade debits and credits to advisor accounts.
//
// Each mutation runs inside store.AccountStore.UpdateAccount, which
// serializes updates per advisor and applies a transaction key at most once:
// "debit:<prediction>" when a prediction opens, "credit:<prediction>" when
// it closes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
)

// Ledger is the advisor cash ledger.
type Ledger struct {
	store  store.AccountStore
	logger *slog.Logger
}

// New creates a ledger over an account store.
func New(st store.AccountStore, logger *slog.Logger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

// DebitKey is the transaction key for opening a prediction.
func DebitKey(predictionID string) string { return "debit:" + predictionID }

// CreditKey is the transaction key for closing a prediction.
func CreditKey(predictionID string) string { return "credit:" + predictionID }

// OpenAccount creates an account holding cash, all of it liquid.
func (l *Ledger) OpenAccount(ctx context.Context, advisorID string, cash decimal.Decimal) (*model.Account, error) {
	acct := &model.Account{
		AdvisorID:  advisorID,
		Cash:       cash,
		Investment: decimal.Zero,
		LiquidCash: cash,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("ledger.OpenAccount %s: %w", advisorID, err)
	}
	return acct, nil
}

// Debit books newly opened predictions:
//
//	investment += |inv|, liquidCash -= |inv|, cash -= inv
//
// Each prediction is applied under its own key, so a retried batch only
// books the predictions that were not booked before.
func (l *Ledger) Debit(ctx context.Context, advisorID string, preds []model.Prediction) (*model.Account, error) {
	var acct *model.Account
	for i := range preds {
		p := &preds[i]
		inv := decimal.NewFromFloat(p.Position.Investment)

		next, err := l.store.UpdateAccount(ctx, advisorID, DebitKey(p.ID), p.ID, func(a *model.Account) error {
			a.Investment = a.Investment.Add(inv.Abs())
			a.LiquidCash = a.LiquidCash.Sub(inv.Abs())
			a.Cash = a.Cash.Sub(inv)
			return nil
		})
		switch {
		case errors.Is(err, errs.ErrAlreadyApplied):
			metrics.LedgerOperations.WithLabelValues("debit", "duplicate").Inc()
			l.logger.Info("debit already applied", "advisor_id", advisorID, "prediction_id", p.ID)
		case err != nil:
			metrics.LedgerOperations.WithLabelValues("debit", "failed").Inc()
			return nil, fmt.Errorf("ledger.Debit %s/%s: %w", advisorID, p.ID, err)
		default:
			metrics.LedgerOperations.WithLabelValues("debit", "applied").Inc()
		}
		acct = next
	}
	if acct == nil {
		return l.store.GetAccount(ctx, advisorID)
	}
	return acct, nil
}

// Credit books a closed prediction:
//
//	investment -= |inv|, liquidCash += |inv| + pnl, cash += cashGenerated
//
// where cashGenerated and pnl come from Settlement. A repeated credit returns
// the current account together with errs.ErrAlreadyApplied.
func (l *Ledger) Credit(ctx context.Context, advisorID string, p *model.Prediction) (*model.Account, error) {
	if !p.IsClosed() {
		return nil, errs.NewValidationError("status", p.State(), "only closed predictions are credited")
	}
	if p.Status.ExitPending {
		return nil, errs.NewValidationError("status", p.State(), "exit price pending")
	}
	if p.IsTriggered() && p.Position.AvgPrice > 0 && p.Position.LastPrice <= 0 {
		return nil, errs.NewValidationError("last_price", p.Position.LastPrice, "exit price not yet known")
	}

	inv := decimal.NewFromFloat(p.Position.Investment)
	cashGenerated, pnl := Settlement(p)

	acct, err := l.store.UpdateAccount(ctx, advisorID, CreditKey(p.ID), p.ID, func(a *model.Account) error {
		a.Investment = a.Investment.Sub(inv.Abs())
		a.LiquidCash = a.LiquidCash.Add(inv.Abs()).Add(pnl)
		a.Cash = a.Cash.Add(cashGenerated)
		return nil
	})
	switch {
	case errors.Is(err, errs.ErrAlreadyApplied):
		metrics.LedgerOperations.WithLabelValues("credit", "duplicate").Inc()
		return acct, err
	case err != nil:
		metrics.LedgerOperations.WithLabelValues("credit", "failed").Inc()
		return nil, fmt.Errorf("ledger.Credit %s/%s: %w", advisorID, p.ID, err)
	}

	metrics.LedgerOperations.WithLabelValues("credit", "applied").Inc()
	l.logger.Info("prediction credited",
		"advisor_id", advisorID,
		"prediction_id", p.ID,
		"cash_generated", cashGenerated.String(),
		"pnl", pnl.String(),
	)
	return acct, nil
}

// Settle credits a closed prediction once and persists it as settled. A
// credit applied by an earlier attempt only flips the flag.
func (l *Ledger) Settle(ctx context.Context, ps store.PredictionStore, p *model.Prediction) error {
	if p.Settled {
		return nil
	}
	if _, err := l.Credit(ctx, p.AdvisorID, p); err != nil && !errors.Is(err, errs.ErrAlreadyApplied) {
		return err
	}
	p.Settled = true
	if err := ps.UpdatePrediction(ctx, p); err != nil {
		return fmt.Errorf("ledger.Settle %s: %w", p.ID, err)
	}
	return nil
}

// Settlement returns the cash a closed prediction generates and its pnl.
// An untriggered conditional, or one without an entry price, returns its
// investment unchanged.
func Settlement(p *model.Prediction) (cashGenerated, pnl decimal.Decimal) {
	inv := decimal.NewFromFloat(p.Position.Investment)
	cashGenerated = inv
	if p.IsTriggered() && p.Position.AvgPrice > 0 {
		ratio := decimal.NewFromFloat(p.Position.LastPrice).Div(decimal.NewFromFloat(p.Position.AvgPrice))
		cashGenerated = inv.Mul(ratio)
	}
	return cashGenerated, cashGenerated.Sub(inv)
}

// Balance returns an advisor's account.
func (l *Ledger) Balance(ctx context.Context, advisorID string) (*model.Account, error) {
	return l.store.GetAccount(ctx, advisorID)
}
