package model

import "time"

// Quote is the latest traded price for a ticker.
type Quote struct {
	Ticker    string    `json:"ticker"`
	Close     float64   `json:"close"`
	ChangePct float64   `json:"change_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one intraday OHLC interval, stamped with its start time.
type Bar struct {
	Time  time.Time `json:"datetime"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// EODDetail is the end-of-day summary for a security.
type EODDetail struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}
