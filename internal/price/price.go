// Package price is the client side of the quote collaborator: latest quotes,
// intraday bars and end-of-day summaries, fetched with short timeouts and
// falling back to secondary sources and a last-known quote cache.
package price

import (
	"context"
	"sort"
	"time"

	"github.com/atmx/prediction-engine/internal/model"
)

// Source answers price queries for a security.
type Source interface {
	LatestQuote(ctx context.Context, sec model.Security) (*model.Quote, error)

	// IntradayHistory returns the day's bars in time order.
	IntradayHistory(ctx context.Context, sec model.Security, date time.Time) ([]model.Bar, error)

	EODDetail(ctx context.Context, sec model.Security, date time.Time) (*model.EODDetail, error)
}

// QuoteCache keeps the last quote seen per security.
type QuoteCache interface {
	Put(ctx context.Context, sec model.Security, q model.Quote) error

	// Get returns errs.NotFoundError when nothing is cached.
	Get(ctx context.Context, sec model.Security) (*model.Quote, error)
}

// SortBars orders bars by start time, keeping feed order for equal stamps.
func SortBars(bars []model.Bar) {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
}
