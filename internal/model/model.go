// Package model defines the core domain types shared across the prediction
// engine. Account balances use shopspring/decimal; prices and investment
// sizes on predictions are float64 as delivered by the quote feeds.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is an advisor's cash ledger.
// Schema: {advisor, cash, investment, liquidCash}
type Account struct {
	AdvisorID  string          `json:"advisor_id" db:"advisor_id"`
	Cash       decimal.Decimal `json:"cash" db:"cash"`
	Investment decimal.Decimal `json:"investment" db:"investment"`   // Σ |open investment|
	LiquidCash decimal.Decimal `json:"liquid_cash" db:"liquid_cash"` // cash not tied up in positions
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Drift returns cash - (liquidCash + investment). Debits and credits move it
// by the signed investment of the opened or closed prediction, so it returns
// to its starting value once every opened prediction has been credited.
func (a Account) Drift() decimal.Decimal {
	return a.Cash.Sub(a.LiquidCash.Add(a.Investment))
}

// LedgerEntry is an immutable record of an applied debit or credit. The key
// makes application exactly-once per account.
type LedgerEntry struct {
	AdvisorID    string          `json:"advisor_id" db:"advisor_id"`
	Key          string          `json:"key" db:"txn_key"` // "debit:<prediction>" or "credit:<prediction>"
	PredictionID string          `json:"prediction_id" db:"prediction_id"`
	CashDelta    decimal.Decimal `json:"cash_delta" db:"cash_delta"`
	InvDelta     decimal.Decimal `json:"investment_delta" db:"investment_delta"`
	LiquidDelta  decimal.Decimal `json:"liquid_cash_delta" db:"liquid_cash_delta"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
