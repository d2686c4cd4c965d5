package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider serves quotes that are set explicitly. It backs dry runs
// and tests.
type StaticProvider struct {
	mu      sync.RWMutex
	tickers map[string]Ticker
	candles map[string][]Candle
	errs    map[string]error
	calls   map[string]int
}

// NewStaticProvider creates an empty static provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		tickers: make(map[string]Ticker),
		candles: make(map[string][]Candle),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// SetQuote sets a quote with last at the bid/ask midpoint
func (p *StaticProvider) SetQuote(pair string, bid, ask decimal.Decimal) {
	last := bid.Add(ask).Div(decimal.NewFromInt(2))
	p.SetTicker(Ticker{Pair: pair, Last: last, Bid: bid, Ask: ask, High24h: ask, Low24h: bid})
}

// SetTicker replaces the quote for t.Pair and clears any injected error
func (p *StaticProvider) SetTicker(t Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	p.tickers[t.Pair] = t
	delete(p.errs, t.Pair)
}

// SetCandles replaces the candle history for pair
func (p *StaticProvider) SetCandles(pair string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[pair] = append([]Candle(nil), candles...)
}

// Fail makes every request for pair return err until the next SetTicker
func (p *StaticProvider) Fail(pair string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[pair] = err
}

// Calls returns how many ticker requests were made for pair
func (p *StaticProvider) Calls(pair string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[pair]
}

// Ticker returns the configured quote
func (p *StaticProvider) Ticker(ctx context.Context, pair string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[pair]++
	if err := p.errs[pair]; err != nil {
		return Ticker{}, err
	}
	t, ok := p.tickers[pair]
	if !ok {
		return Ticker{}, fmt.Errorf("%w: no quote for %s", ErrDataUnavailable, pair)
	}
	return t, nil
}

// Historical returns the last limit configured candles
func (p *StaticProvider) Historical(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.errs[pair]; err != nil {
		return nil, err
	}
	candles := p.candles[pair]
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", ErrDataUnavailable, pair)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]Candle(nil), candles...), nil
}

// CandlesFromCloses builds one-minute candles from closing prices, ending now
func CandlesFromCloses(closes ...string) []Candle {
	start := time.Now().Add(-time.Duration(len(closes)) * time.Minute).Truncate(time.Minute)
	out := make([]Candle, len(closes))
	for i, c := range closes {
		v := decimal.RequireFromString(c)
		out[i] = Candle{OpenTime: start.Add(time.Duration(i) * time.Minute), Open: v, High: v, Low: v, Close: v}
	}
	return out
}
