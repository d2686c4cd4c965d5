package strategy

import (
	"fmt"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

// MACross signals a buy when the short SMA crosses above the long SMA and a
// sell when it crosses below
type MACross struct {
	ShortPeriod int
	LongPeriod  int
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.ShortPeriod, s.LongPeriod)
}

func (s *MACross) Lookback() int {
	return s.LongPeriod + 10
}

func (s *MACross) GenerateSignal(snap Snapshot) *Signal {
	closes := market.Closes(snap.Candles)
	n := len(closes)
	// need the long average at the last two bars
	if n < s.LongPeriod+1 {
		return nil
	}

	prevShort, prevLong := sma(closes, n-1, s.ShortPeriod), sma(closes, n-1, s.LongPeriod)
	curShort, curLong := sma(closes, n, s.ShortPeriod), sma(closes, n, s.LongPeriod)
	last := closes[n-1]

	switch {
	case prevShort.LessThanOrEqual(prevLong) && curShort.GreaterThan(curLong):
		return &Signal{Action: models.SideBuy, Price: last, Reason: "MA bullish crossover"}
	case prevShort.GreaterThanOrEqual(prevLong) && curShort.LessThan(curLong):
		return &Signal{Action: models.SideSell, Price: last, Reason: "MA bearish crossover"}
	}
	return nil
}
