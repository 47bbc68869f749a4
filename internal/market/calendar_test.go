package market

import (
	"testing"
	"time"
)

func ny(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestIsOpen(t *testing.T) {
	c := DefaultCalendar()

	// 2026-10-19 is a Monday.
	if !c.IsOpen(ny(t, "2026-10-19 10:00")) {
		t.Error("expected open on Monday 10:00")
	}
	if c.IsOpen(ny(t, "2026-10-19 09:29")) {
		t.Error("expected closed before the open")
	}
	if c.IsOpen(ny(t, "2026-10-19 16:00")) {
		t.Error("expected closed at the close")
	}
	if c.IsOpen(ny(t, "2026-10-18 12:00")) {
		t.Error("expected closed on Sunday")
	}
}

func TestHolidayClosesSession(t *testing.T) {
	c := DefaultCalendar()
	c.AddHoliday(ny(t, "2026-11-26 00:00"))

	if c.IsTradingDay(ny(t, "2026-11-26 12:00")) {
		t.Error("holiday should not be a trading day")
	}
	next := c.NextTradingDay(ny(t, "2026-11-25 12:00"))
	if next.Day() != 27 {
		t.Errorf("expected next trading day 27th, got %s", next)
	}
}

func TestExpiryTime(t *testing.T) {
	c := DefaultCalendar()
	got := c.ExpiryTime(ny(t, "2026-10-19 11:00"))
	want := ny(t, "2026-10-19 16:15")
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestTradingDaysBetween(t *testing.T) {
	c := DefaultCalendar()

	// Friday to next Monday spans one trading day.
	if n := c.TradingDaysBetween(ny(t, "2026-10-16 10:00"), ny(t, "2026-10-19 10:00")); n != 1 {
		t.Errorf("expected 1 trading day, got %d", n)
	}
	// Monday to Friday the same week.
	if n := c.TradingDaysBetween(ny(t, "2026-10-19 10:00"), ny(t, "2026-10-23 15:00")); n != 4 {
		t.Errorf("expected 4 trading days, got %d", n)
	}
	if n := c.TradingDaysBetween(ny(t, "2026-10-19 10:00"), ny(t, "2026-10-19 15:00")); n != 0 {
		t.Errorf("expected 0 for same day, got %d", n)
	}
}

func TestIsSessionOpenBar(t *testing.T) {
	c := DefaultCalendar()
	if !c.IsSessionOpenBar(ny(t, "2026-10-19 09:30")) {
		t.Error("09:30 bar should be the session open bar")
	}
	if c.IsSessionOpenBar(ny(t, "2026-10-19 09:31")) {
		t.Error("09:31 bar is not the session open bar")
	}
}
