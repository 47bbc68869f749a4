package price

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// StaticSource serves prices set up front. Used in tests and the paper
// environment.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	bars   map[string][]model.Bar
	eod    map[string]model.EODDetail

	// Err, when set, is returned by every call.
	Err error
}

// NewStaticSource creates an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		quotes: make(map[string]model.Quote),
		bars:   make(map[string][]model.Bar),
		eod:    make(map[string]model.EODDetail),
	}
}

// SetQuote sets the latest quote for a ticker.
func (s *StaticSource) SetQuote(ticker string, px float64, at time.Time) {
	s.mu.Lock()
	s.quotes[ticker] = model.Quote{Ticker: ticker, Close: px, Timestamp: at}
	s.mu.Unlock()
}

// SetBars sets the intraday bars for a ticker on date.
func (s *StaticSource) SetBars(ticker string, date time.Time, bars []model.Bar) {
	s.mu.Lock()
	s.bars[ticker+"|"+model.DateKey(date)] = bars
	s.mu.Unlock()
}

// SetEOD sets the end-of-day summary for a ticker on date.
func (s *StaticSource) SetEOD(ticker string, date time.Time, eod model.EODDetail) {
	s.mu.Lock()
	s.eod[ticker+"|"+model.DateKey(date)] = eod
	s.mu.Unlock()
}

func (s *StaticSource) LatestQuote(_ context.Context, sec model.Security) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	q, ok := s.quotes[sec.Ticker]
	if !ok {
		return nil, errs.NotFound("quote", sec.Ticker)
	}
	return &q, nil
}

func (s *StaticSource) IntradayHistory(_ context.Context, sec model.Security, date time.Time) ([]model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]model.Bar(nil), s.bars[sec.Ticker+"|"+model.DateKey(date)]...), nil
}

func (s *StaticSource) EODDetail(_ context.Context, sec model.Security, date time.Time) (*model.EODDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	eod, ok := s.eod[sec.Ticker+"|"+model.DateKey(date)]
	if !ok {
		return nil, errs.NotFound("eod", sec.Ticker)
	}
	return &eod, nil
}
