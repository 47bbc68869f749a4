package limits

import "testing"

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(5, 50, 100, 500)

	if err := limiter.CheckLimit("NASDAQ:AAPL", 25, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckSize_Bounds(t *testing.T) {
	limiter := NewLimiter(5, 50, 0, 0)

	if err := limiter.CheckSize(0); err != ErrInvestmentTooSmall {
		t.Errorf("expected ErrInvestmentTooSmall for zero, got %v", err)
	}
	if err := limiter.CheckSize(-2); err != ErrInvestmentTooSmall {
		t.Errorf("expected ErrInvestmentTooSmall for -2, got %v", err)
	}
	if err := limiter.CheckSize(-51); err != ErrInvestmentTooLarge {
		t.Errorf("expected ErrInvestmentTooLarge for -51, got %v", err)
	}
	if err := limiter.CheckSize(-50); err != nil {
		t.Errorf("short at the maximum should pass, got %v", err)
	}
}

func TestCheckLimit_PerSecurityExceeded(t *testing.T) {
	limiter := NewLimiter(0, 50, 100, 500)

	// Existing 80 + new 25 = 105 > 100.
	existing := map[string]float64{"NASDAQ:AAPL": 80}

	if err := limiter.CheckLimit("NASDAQ:AAPL", 25, existing); err != ErrPerSecurityLimitExceeded {
		t.Errorf("expected ErrPerSecurityLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortCountsAsExposure(t *testing.T) {
	limiter := NewLimiter(0, 50, 100, 500)

	existing := map[string]float64{"NASDAQ:AAPL": 80}

	if err := limiter.CheckLimit("NASDAQ:AAPL", -25, existing); err != ErrPerSecurityLimitExceeded {
		t.Errorf("short should add exposure, got %v", err)
	}
}

func TestCheckLimit_TotalExceeded(t *testing.T) {
	limiter := NewLimiter(0, 50, 100, 200)

	existing := map[string]float64{
		"NASDAQ:AAPL": 90,
		"NYSE:IBM":    90,
	}

	// Total = 25 + 90 + 90 = 205 > 200.
	if err := limiter.CheckLimit("NASDAQ:MSFT", 25, existing); err != ErrTotalLimitExceeded {
		t.Errorf("expected ErrTotalLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroMaximumsDisabled(t *testing.T) {
	limiter := NewLimiter(0, 0, 0, 0)

	existing := map[string]float64{"NASDAQ:AAPL": 1e6}
	if err := limiter.CheckLimit("NASDAQ:AAPL", 1e6, existing); err != nil {
		t.Errorf("zero maximums should disable checks, got %v", err)
	}
}
