// Package security parses and validates the security identifiers that
// predictions are placed on.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/prediction-engine/internal/model"
)

// Supported exchanges.
const (
	ExchangeNYSE   = "NYSE"
	ExchangeNASDAQ = "NASDAQ"
	ExchangeAMEX   = "AMEX"
	ExchangeARCA   = "ARCA"
	ExchangeNSE    = "NSE"
)

var validExchanges = map[string]string{
	ExchangeNYSE:   "US",
	ExchangeNASDAQ: "US",
	ExchangeAMEX:   "US",
	ExchangeARCA:   "US",
	ExchangeNSE:    "IN",
}

// symbolRegex matches: [{EXCHANGE}:]{TICKER}[:{COUNTRY}]
// Example: NASDAQ:AAPL:US, AAPL, BRK.B
var symbolRegex = regexp.MustCompile(
	`^(?:([A-Z]{2,8}):)?([A-Z][A-Z0-9.\-]{0,11})(?::([A-Z]{2}))?$`,
)

var (
	ErrInvalidSymbol   = errors.New("security: invalid symbol format")
	ErrInvalidExchange = errors.New("security: unsupported exchange")
)

// Parse parses a symbol string into a Security. A bare ticker defaults to
// country US with no exchange.
func Parse(symbol string) (model.Security, error) {
	matches := symbolRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if matches == nil {
		return model.Security{}, fmt.Errorf("%w: %q (expected [EXCHANGE:]TICKER[:CC])", ErrInvalidSymbol, symbol)
	}

	exchange, ticker, country := matches[1], matches[2], matches[3]
	if exchange != "" {
		cc, ok := validExchanges[exchange]
		if !ok {
			return model.Security{}, fmt.Errorf("%w: %s", ErrInvalidExchange, exchange)
		}
		if country == "" {
			country = cc
		}
	}
	if country == "" {
		country = "US"
	}

	return model.Security{Ticker: ticker, Exchange: exchange, Country: country}, nil
}

// Validate normalizes a Security supplied as separate fields.
func Validate(s model.Security) (model.Security, error) {
	sym := s.Ticker
	if s.Exchange != "" {
		sym = s.Exchange + ":" + sym
	}
	if s.Country != "" {
		sym = sym + ":" + s.Country
	}
	return Parse(sym)
}

// Key renders the canonical symbol used in cache keys and queries.
func Key(s model.Security) string {
	if s.Exchange == "" {
		return s.Ticker
	}
	return s.Exchange + ":" + s.Ticker
}
