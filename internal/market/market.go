// Package market supplies quotes and candles to the execution engine.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDataUnavailable is returned when no usable quote can be produced.
// Callers treat it as retryable.
var ErrDataUnavailable = errors.New("market data unavailable")

// Ticker is a point-in-time quote for a pair
type Ticker struct {
	Pair      string          `json:"pair"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	// Stale is set only on quotes served from LastKnown
	Stale bool `json:"stale"`
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Provider is the source of market data
type Provider interface {
	Ticker(ctx context.Context, pair string) (Ticker, error)
	// Historical returns up to limit candles, oldest first
	Historical(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error)
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ValidTimeframe reports whether tf is a supported candle interval
func ValidTimeframe(tf string) bool {
	_, ok := timeframes[tf]
	return ok
}

// Quotable reports whether t carries a usable two-sided price
func (t Ticker) Quotable() bool {
	return t.Bid.IsPositive() && t.Ask.IsPositive()
}

// Closes extracts closing prices, oldest first
func Closes(candles []Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
