// Package store defines the persistence interface for the prediction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// PredictionQuery selects predictions for one advisor. Zero values leave a
// filter unset.
type PredictionQuery struct {
	AdvisorID string
	From      time.Time // inclusive, by filing date
	To        time.Time // inclusive, by filing date
	OpenOnly  bool      // no terminal outcome
	Unsettled bool      // closed but not yet credited
	Ticker    string
}

// PredictionStore is the durable record of predictions. Predictions are
// filed per advisor and date; identity for updates is (advisor, id, ticker,
// created date).
type PredictionStore interface {
	// AddPredictions appends predictions to the advisor's document for date.
	AddPredictions(ctx context.Context, advisorID string, date time.Time, preds []model.Prediction) error

	// GetPrediction retrieves one prediction.
	GetPrediction(ctx context.Context, advisorID, predictionID string) (*model.Prediction, error)

	// UpdatePrediction replaces a prediction in place, matched by identity,
	// and bumps p.Version. Returns errs.ErrConflict when p.Version is not the
	// stored version, and errs.ErrAlreadyClosed when the write would reopen a
	// closed prediction or change its outcome.
	UpdatePrediction(ctx context.Context, p *model.Prediction) error

	// ListPredictions returns predictions matching q in filing order.
	ListPredictions(ctx context.Context, q PredictionQuery) ([]model.Prediction, error)

	// ListActiveAdvisors returns advisors with open or unsettled predictions.
	ListActiveAdvisors(ctx context.Context) ([]string, error)
}

// AccountStore holds advisor cash ledgers.
type AccountStore interface {
	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an advisor's account.
	GetAccount(ctx context.Context, advisorID string) (*model.Account, error)

	// UpdateAccount applies fn to the account atomically with respect to other
	// updates of the same advisor, and records a ledger entry under key.
	// Returns errs.ErrAlreadyApplied when key was applied before, leaving the
	// account unchanged.
	UpdateAccount(ctx context.Context, advisorID, key, predictionID string, fn func(*model.Account) error) (*model.Account, error)

	// GetLedgerEntries returns the applied entries for an advisor.
	GetLedgerEntries(ctx context.Context, advisorID string) ([]model.LedgerEntry, error)
}

// Store is the full persistence interface.
type Store interface {
	PredictionStore
	AccountStore
}

func matches(p *model.Prediction, q PredictionQuery) bool {
	if q.OpenOnly && p.IsClosed() {
		return false
	}
	if q.Unsettled && (!p.IsClosed() || p.Settled) {
		return false
	}
	if q.Ticker != "" && p.Position.Security.Ticker != q.Ticker {
		return false
	}
	return true
}

// checkReplace guards an update of existing with next. A closed prediction
// may still gain activity, an exit price and the settled flag. A pending
// manual exit may resolve to another outcome.
func checkReplace(existing, next *model.Prediction) error {
	if existing.Version != next.Version {
		return fmt.Errorf("%w: %s is at version %d, update has %d",
			errs.ErrConflict, next.ID, existing.Version, next.Version)
	}
	if !existing.IsClosed() {
		return nil
	}
	switch {
	case !next.IsClosed():
		return fmt.Errorf("%w: %s cannot reopen", errs.ErrAlreadyClosed, next.ID)
	case existing.Settled && !next.Settled:
		return fmt.Errorf("%w: %s is settled", errs.ErrAlreadyClosed, next.ID)
	case existing.Status.ExitPending:
		return nil
	case next.Status.ExitPending || next.Status.Outcome != existing.Status.Outcome:
		return fmt.Errorf("%w: %s closed as %s", errs.ErrAlreadyClosed, next.ID, existing.Status.Outcome)
	}
	return nil
}

func inRange(date time.Time, q PredictionQuery) bool {
	key := model.DateKey(date)
	if !q.From.IsZero() && key < model.DateKey(q.From) {
		return false
	}
	if !q.To.IsZero() && key > model.DateKey(q.To) {
		return false
	}
	return true
}

func ledgerEntry(advisorID, key, predictionID string, before, after model.Account, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		AdvisorID:    advisorID,
		Key:          key,
		PredictionID: predictionID,
		CashDelta:    after.Cash.Sub(before.Cash),
		InvDelta:     after.Investment.Sub(before.Investment),
		LiquidDelta:  after.LiquidCash.Sub(before.LiquidCash),
		Timestamp:    at,
	}
}

// clonePrediction deep-copies the activity slices so callers cannot mutate
// stored state.
func clonePrediction(p model.Prediction) model.Prediction {
	c := p
	c.TradeActivity = append([]model.TradeActivity(nil), p.TradeActivity...)
	c.OrderActivity = append([]model.OrderActivity(nil), p.OrderActivity...)
	c.AdminActivity = append([]model.AdminActivity(nil), p.AdminActivity...)
	return c
}
