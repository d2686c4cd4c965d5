// Package strategy turns candle history into trade signals.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

// Signal is a decision emitted by a strategy
type Signal struct {
	Action models.Side     `json:"action"`
	Price  decimal.Decimal `json:"price"`
	Reason string          `json:"reason"`
}

// Snapshot is the market view a strategy decides on
type Snapshot struct {
	Pair    string
	Candles []market.Candle // oldest first
}

// Strategy defines the interface for all strategies
type Strategy interface {
	Name() string
	// Lookback is how many candles GenerateSignal wants
	Lookback() int
	// GenerateSignal returns nil when there is nothing to do
	GenerateSignal(s Snapshot) *Signal
}

// Params are numeric strategy settings from configuration
type Params map[string]float64

func (p Params) intParam(key string, def int) int {
	if v, ok := p[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func (p Params) decimalParam(key string, def float64) decimal.Decimal {
	if v, ok := p[key]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.NewFromFloat(def)
}

// New builds a strategy by name
func New(name string, params Params) (Strategy, error) {
	switch name {
	case "moving_average":
		short, long := params.intParam("short_period", 20), params.intParam("long_period", 50)
		if short >= long {
			return nil, fmt.Errorf("moving_average: short_period %d must be below long_period %d", short, long)
		}
		return &MACross{ShortPeriod: short, LongPeriod: long}, nil
	case "rsi":
		s := &RSI{
			Period:     params.intParam("rsi_period", 14),
			Oversold:   params.decimalParam("oversold_level", 30),
			Overbought: params.decimalParam("overbought_level", 70),
		}
		if !s.Oversold.LessThan(s.Overbought) {
			return nil, fmt.Errorf("rsi: oversold_level must be below overbought_level")
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// sma averages the period values ending at end (exclusive)
func sma(values []decimal.Decimal, end, period int) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values[end-period : end] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
