package price

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
)

// Named pairs a Source with the label used in logs and metrics.
type Named struct {
	Name   string
	Source Source
}

// Fallback tries each source in order, each under its own timeout. Quotes
// that succeed are written to the cache; when every source fails the last
// cached quote is served. Bars and EOD data have no cache fallback.
type Fallback struct {
	sources []Named
	cache   QuoteCache
	timeout time.Duration
	logger  *slog.Logger
}

// NewFallback creates a fallback chain. cache may be nil.
func NewFallback(sources []Named, cache QuoteCache, timeout time.Duration, logger *slog.Logger) *Fallback {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fallback{sources: sources, cache: cache, timeout: timeout, logger: logger}
}

func (f *Fallback) LatestQuote(ctx context.Context, sec model.Security) (*model.Quote, error) {
	var lastErr error
	for i, s := range f.sources {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		q, err := s.Source.LatestQuote(callCtx, sec)
		cancel()
		if err != nil {
			lastErr = err
			f.logger.Warn("quote source failed", "source", s.Name, "ticker", sec.Ticker, "err", err)
			continue
		}
		if i > 0 {
			metrics.PriceFallbacks.WithLabelValues(s.Name).Inc()
		}
		if f.cache != nil {
			if err := f.cache.Put(ctx, sec, *q); err != nil {
				f.logger.Warn("quote cache write failed", "ticker", sec.Ticker, "err", err)
			}
		}
		return q, nil
	}

	if f.cache != nil {
		if q, err := f.cache.Get(ctx, sec); err == nil {
			metrics.PriceFallbacks.WithLabelValues("cache").Inc()
			f.logger.Info("serving last known quote", "ticker", sec.Ticker, "as_of", q.Timestamp)
			return q, nil
		}
	}
	return nil, errs.Timeout("price", "latestQuote", lastErr)
}

func (f *Fallback) IntradayHistory(ctx context.Context, sec model.Security, date time.Time) ([]model.Bar, error) {
	var lastErr error
	for i, s := range f.sources {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		bars, err := s.Source.IntradayHistory(callCtx, sec, date)
		cancel()
		if err != nil {
			lastErr = err
			f.logger.Warn("intraday source failed", "source", s.Name, "ticker", sec.Ticker, "err", err)
			continue
		}
		if i > 0 {
			metrics.PriceFallbacks.WithLabelValues(s.Name).Inc()
		}
		return bars, nil
	}
	return nil, errs.Timeout("price", "intradayHistory", lastErr)
}

func (f *Fallback) EODDetail(ctx context.Context, sec model.Security, date time.Time) (*model.EODDetail, error) {
	var lastErr error
	for i, s := range f.sources {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		eod, err := s.Source.EODDetail(callCtx, sec, date)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if i > 0 {
			metrics.PriceFallbacks.WithLabelValues(s.Name).Inc()
		}
		return eod, nil
	}
	return nil, errs.Timeout("price", "eodDetail", lastErr)
}
