package security

import (
	"errors"
	"testing"

	"github.com/atmx/prediction-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	s, err := Parse("NASDAQ:AAPL:US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Ticker != "AAPL" {
		t.Errorf("expected ticker=AAPL, got %s", s.Ticker)
	}
	if s.Exchange != ExchangeNASDAQ {
		t.Errorf("expected exchange=NASDAQ, got %s", s.Exchange)
	}
	if s.Country != "US" {
		t.Errorf("expected country=US, got %s", s.Country)
	}
}

func TestParse_BareTickerDefaultsToUS(t *testing.T) {
	s, err := Parse("brk.b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Ticker != "BRK.B" || s.Country != "US" || s.Exchange != "" {
		t.Errorf("unexpected security %+v", s)
	}
}

func TestParse_ExchangeImpliesCountry(t *testing.T) {
	s, err := Parse("NSE:INFY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Country != "IN" {
		t.Errorf("expected country=IN, got %s", s.Country)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"1ABC",
		"NASDAQ:",
		":AAPL",
		"NASDAQ:AAPL:USA",
		"AAPL MSFT",
	}
	for _, sym := range tests {
		_, err := Parse(sym)
		if err == nil {
			t.Errorf("expected error for symbol %q", sym)
		}
	}
}

func TestParse_UnsupportedExchange(t *testing.T) {
	_, err := Parse("LSE:VOD")
	if !errors.Is(err, ErrInvalidExchange) {
		t.Errorf("expected ErrInvalidExchange, got %v", err)
	}
}

func TestValidate_RoundTripsKey(t *testing.T) {
	s, err := Validate(model.Security{Ticker: "msft", Exchange: "nasdaq"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Key(s) != "NASDAQ:MSFT" {
		t.Errorf("expected key NASDAQ:MSFT, got %s", Key(s))
	}
}
