// Package limits enforces investment sizing on new predictions.
//
// Exposure is measured in the same unit as Position.Investment (thousands)
// and always as an absolute value: a short of -20 uses as much of the
// advisor's allowance as a long of 20.
package limits

import (
	"errors"
	"math"
)

var (
	// ErrInvestmentTooSmall is returned when |investment| is below the minimum.
	ErrInvestmentTooSmall = errors.New("limits: investment below minimum size")

	// ErrInvestmentTooLarge is returned when |investment| exceeds the
	// per-prediction maximum.
	ErrInvestmentTooLarge = errors.New("limits: investment above maximum size")

	// ErrPerSecurityLimitExceeded is returned when the open exposure in one
	// security would exceed the per-security maximum.
	ErrPerSecurityLimitExceeded = errors.New("limits: per-security exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when the advisor's total open exposure
	// would exceed the configured maximum.
	ErrTotalLimitExceeded = errors.New("limits: total exposure limit exceeded")
)

// Limiter holds the sizing rules. A zero maximum disables that check.
type Limiter struct {
	// MinInvestment is the smallest allowed |investment| for one prediction.
	MinInvestment float64

	// MaxInvestment is the largest allowed |investment| for one prediction.
	MaxInvestment float64

	// MaxPerSecurity caps Σ|investment| of open predictions in one security.
	MaxPerSecurity float64

	// MaxTotal caps Σ|investment| of all open predictions.
	MaxTotal float64
}

// NewLimiter creates a limiter with the given bounds.
func NewLimiter(minInvestment, maxInvestment, maxPerSecurity, maxTotal float64) *Limiter {
	if minInvestment < 0 {
		minInvestment = 0
	}
	return &Limiter{
		MinInvestment:  minInvestment,
		MaxInvestment:  maxInvestment,
		MaxPerSecurity: maxPerSecurity,
		MaxTotal:       maxTotal,
	}
}

// CheckSize validates a single prediction's investment.
func (l *Limiter) CheckSize(investment float64) error {
	size := math.Abs(investment)
	if size == 0 || size < l.MinInvestment {
		return ErrInvestmentTooSmall
	}
	if l.MaxInvestment > 0 && size > l.MaxInvestment {
		return ErrInvestmentTooLarge
	}
	return nil
}

// CheckLimit validates a new prediction against the advisor's open exposure.
//
// Parameters:
//   - securityKey: canonical symbol of the new prediction
//   - investment: signed investment of the new prediction
//   - existing: map of security key → Σ|investment| already open
func (l *Limiter) CheckLimit(securityKey string, investment float64, existing map[string]float64) error {
	if err := l.CheckSize(investment); err != nil {
		return err
	}
	size := math.Abs(investment)

	// 1. Per-security limit.
	if l.MaxPerSecurity > 0 && existing[securityKey]+size > l.MaxPerSecurity {
		return ErrPerSecurityLimitExceeded
	}

	// 2. Total exposure across every security.
	if l.MaxTotal > 0 {
		total := size
		for _, exposure := range existing {
			total += math.Abs(exposure)
		}
		if total > l.MaxTotal {
			return ErrTotalLimitExceeded
		}
	}

	return nil
}
