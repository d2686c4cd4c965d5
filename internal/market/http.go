package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the REST quote client
type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64 // requests per second, 0 disables limiting
	Burst      int
	RetryCount int
}

// HTTPProvider reads quotes from a Binance-compatible REST API
type HTTPProvider struct {
	client  *resty.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// NewHTTPProvider creates a REST market data client
func NewHTTPProvider(cfg HTTPConfig, log logrus.FieldLogger) *HTTPProvider {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPProvider{
		client:  client,
		limiter: limiter,
		log:     log.WithField("component", "market_http"),
	}
}

// Symbol converts "BTC/USDT" into the exchange form "BTCUSDT"
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

type ticker24h struct {
	LastPrice decimal.Decimal `json:"lastPrice"`
	BidPrice  decimal.Decimal `json:"bidPrice"`
	AskPrice  decimal.Decimal `json:"askPrice"`
	HighPrice decimal.Decimal `json:"highPrice"`
	LowPrice  decimal.Decimal `json:"lowPrice"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime int64           `json:"closeTime"`
}

func (p *HTTPProvider) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(ErrDataUnavailable, "rate limiter: %v", err)
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return errors.Wrapf(ErrDataUnavailable, "GET %s: %v", path, err)
	}
	if resp.IsError() {
		return errors.Wrapf(ErrDataUnavailable, "GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// Ticker fetches the 24h rolling ticker, which includes best bid and ask
func (p *HTTPProvider) Ticker(ctx context.Context, pair string) (Ticker, error) {
	var raw ticker24h
	if err := p.get(ctx, "/api/v3/ticker/24hr", map[string]string{"symbol": Symbol(pair)}, &raw); err != nil {
		p.log.WithError(err).WithField("pair", pair).Warn("Ticker fetch failed")
		return Ticker{}, err
	}

	t := Ticker{
		Pair:      pair,
		Last:      raw.LastPrice,
		Bid:       raw.BidPrice,
		Ask:       raw.AskPrice,
		High24h:   raw.HighPrice,
		Low24h:    raw.LowPrice,
		Volume:    raw.Volume,
		Timestamp: time.Now(),
	}
	if raw.CloseTime > 0 {
		t.Timestamp = time.UnixMilli(raw.CloseTime)
	}
	if !t.Quotable() {
		return Ticker{}, errors.Wrapf(ErrDataUnavailable, "no two-sided quote for %s", pair)
	}
	return t, nil
}

// Historical fetches klines. Each row is
// [openTime, open, high, low, close, volume, ...].
func (p *HTTPProvider) Historical(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if limit <= 0 {
		limit = 100
	}
	var raw [][]interface{}
	params := map[string]string{
		"symbol":   Symbol(pair),
		"interval": timeframe,
		"limit":    strconv.Itoa(limit),
	}
	if err := p.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		p.log.WithError(err).WithField("pair", pair).Warn("Klines fetch failed")
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for i, row := range raw {
		c, err := parseKline(row)
		if err != nil {
			return nil, errors.Wrapf(ErrDataUnavailable, "kline %d for %s: %v", i, pair, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(row []interface{}) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return Candle{}, fmt.Errorf("open time %v is not a number", row[0])
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		v, err := toDecimal(row[i+1])
		if err != nil {
			return Candle{}, err
		}
		vals[i] = v
	}
	return Candle{
		OpenTime: time.UnixMilli(int64(openMs)),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected value %v", v)
	}
}
