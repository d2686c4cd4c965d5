package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

var hundred = decimal.NewFromInt(100)

// RSI buys below the oversold level and sells above the overbought level
type RSI struct {
	Period     int
	Oversold   decimal.Decimal
	Overbought decimal.Decimal
}

func (s *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", s.Period)
}

func (s *RSI) Lookback() int {
	return s.Period + 10
}

// Value computes the RSI of the last Period price changes. It is 100 when
// there were no losses.
func (s *RSI) Value(closes []decimal.Decimal) (decimal.Decimal, bool) {
	n := len(closes)
	if n < s.Period+1 {
		return decimal.Zero, false
	}
	gain, loss := decimal.Zero, decimal.Zero
	for i := n - s.Period; i < n; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.IsPositive() {
			gain = gain.Add(change)
		} else {
			loss = loss.Add(change.Abs())
		}
	}
	if loss.IsZero() {
		return hundred, true
	}
	rs := gain.Div(loss)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))), true
}

func (s *RSI) GenerateSignal(snap Snapshot) *Signal {
	closes := market.Closes(snap.Candles)
	rsi, ok := s.Value(closes)
	if !ok {
		return nil
	}
	last := closes[len(closes)-1]

	switch {
	case rsi.LessThan(s.Oversold):
		return &Signal{Action: models.SideBuy, Price: last, Reason: fmt.Sprintf("RSI oversold: %s", rsi.StringFixed(2))}
	case rsi.GreaterThan(s.Overbought):
		return &Signal{Action: models.SideSell, Price: last, Reason: fmt.Sprintf("RSI overbought: %s", rsi.StringFixed(2))}
	}
	return nil
}
