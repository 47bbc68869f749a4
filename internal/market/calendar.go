// Package market answers trading-session questions for one venue: whether
// it is open, when a session opens and closes, and how many trading days
// separate two instants.
package market

import (
	"fmt"
	"time"

	"github.com/atmx/prediction-engine/internal/config"
)

// Calendar is a weekday session calendar with a holiday list.
type Calendar struct {
	loc         *time.Location
	openMin     int // minutes after midnight
	closeMin    int
	expiryGrace time.Duration
	holidays    map[string]bool
}

// NewCalendar creates a calendar from config.
func NewCalendar(cfg config.MarketConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market: load timezone %q: %w", cfg.Timezone, err)
	}
	openMin, err := parseClock(cfg.Open)
	if err != nil {
		return nil, err
	}
	closeMin, err := parseClock(cfg.Close)
	if err != nil {
		return nil, err
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("market: close %s must be after open %s", cfg.Close, cfg.Open)
	}

	c := &Calendar{
		loc:         loc,
		openMin:     openMin,
		closeMin:    closeMin,
		expiryGrace: cfg.ExpiryGrace,
		holidays:    make(map[string]bool),
	}
	for _, h := range cfg.Holidays {
		day, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("market: invalid holiday %q: %w", h, err)
		}
		c.AddHoliday(day)
	}
	return c, nil
}

// DefaultCalendar is the US equities calendar with a 15 minute expiry grace.
func DefaultCalendar() *Calendar {
	c, err := NewCalendar(config.MarketConfig{
		Timezone:    "America/New_York",
		Open:        "09:30",
		Close:       "16:00",
		ExpiryGrace: 15 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	return c
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("market: invalid session time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the venue's time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// AddHoliday marks a date as closed.
func (c *Calendar) AddHoliday(day time.Time) {
	c.holidays[day.In(c.loc).Format("2006-01-02")] = true
}

// IsTradingDay reports whether the venue has a session on t's date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// Day returns midnight of t's date in the venue's zone.
func (c *Calendar) Day(t time.Time) time.Time {
	t = t.In(c.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// SessionOpen returns the open time on t's date.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	return c.Day(t).Add(time.Duration(c.openMin) * time.Minute)
}

// SessionClose returns the close time on t's date.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	return c.Day(t).Add(time.Duration(c.closeMin) * time.Minute)
}

// ExpiryTime returns the session close plus the expiry grace period.
func (c *Calendar) ExpiryTime(t time.Time) time.Time {
	return c.SessionClose(t).Add(c.expiryGrace)
}

// IsOpen reports whether the venue is in session at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	return !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// IsSessionOpenBar reports whether a bar stamped at t is the session's first bar.
func (c *Calendar) IsSessionOpenBar(t time.Time) bool {
	return t.In(c.loc).Equal(c.SessionOpen(t))
}

// NextTradingDay returns midnight of the first trading day after t's date.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	day := c.Day(t).AddDate(0, 0, 1)
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// PreviousTradingDay returns midnight of the last trading day before t's date.
func (c *Calendar) PreviousTradingDay(t time.Time) time.Time {
	day := c.Day(t).AddDate(0, 0, -1)
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// TradingDaysBetween counts trading days after from's date up to and
// including to's date. Same-day returns 0; to before from returns 0.
func (c *Calendar) TradingDaysBetween(from, to time.Time) int {
	start, end := c.Day(from), c.Day(to)
	if !end.After(start) {
		return 0
	}
	n := 0
	for day := start.AddDate(0, 0, 1); !day.After(end); day = day.AddDate(0, 0, 1) {
		if c.IsTradingDay(day) {
			n++
		}
	}
	return n
}
