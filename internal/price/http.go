package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// maxBodyBytes caps a quote service response.
const maxBodyBytes = 4 << 20

// HTTPSource fetches prices from a quote service over HTTP.
//
//	GET {base}/quote?ticker=AAPL&exchange=NASDAQ
//	GET {base}/intraday?ticker=AAPL&exchange=NASDAQ&date=2026-10-19
//	GET {base}/eod?ticker=AAPL&exchange=NASDAQ&date=2026-10-19
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source. name labels errors and metrics.
func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the source label.
func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) LatestQuote(ctx context.Context, sec model.Security) (*model.Quote, error) {
	var q model.Quote
	if err := s.get(ctx, "latestQuote", "/quote", sec, time.Time{}, &q); err != nil {
		return nil, err
	}
	if q.Close <= 0 {
		return nil, fmt.Errorf("%s: empty quote for %s", s.name, sec.Ticker)
	}
	if q.Ticker == "" {
		q.Ticker = sec.Ticker
	}
	return &q, nil
}

func (s *HTTPSource) IntradayHistory(ctx context.Context, sec model.Security, date time.Time) ([]model.Bar, error) {
	var bars []model.Bar
	if err := s.get(ctx, "intradayHistory", "/intraday", sec, date, &bars); err != nil {
		return nil, err
	}
	SortBars(bars)
	return bars, nil
}

func (s *HTTPSource) EODDetail(ctx context.Context, sec model.Security, date time.Time) (*model.EODDetail, error) {
	var eod model.EODDetail
	if err := s.get(ctx, "eodDetail", "/eod", sec, date, &eod); err != nil {
		return nil, err
	}
	return &eod, nil
}

func (s *HTTPSource) get(ctx context.Context, op, path string, sec model.Security, date time.Time, out interface{}) error {
	q := url.Values{}
	q.Set("ticker", sec.Ticker)
	if sec.Exchange != "" {
		q.Set("exchange", sec.Exchange)
	}
	if !date.IsZero() {
		q.Set("date", model.DateKey(date))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return errs.Timeout(s.name, op, err)
		}
		return fmt.Errorf("%s: http get: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.NotFound("price data", sec.Ticker)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", s.name, err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("%s: %s response exceeds %d bytes", s.name, op, maxBodyBytes)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: parse %s: %w", s.name, op, err)
	}
	return nil
}
