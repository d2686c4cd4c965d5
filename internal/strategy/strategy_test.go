package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func snapshot(closes ...string) Snapshot {
	return Snapshot{Pair: "BTC/USD", Candles: market.CandlesFromCloses(closes...)}
}

func TestMACross_GenerateSignal(t *testing.T) {
	s := &MACross{ShortPeriod: 2, LongPeriod: 3}

	tests := []struct {
		name       string
		snap       Snapshot
		wantAction models.Side // empty means no signal
		wantPrice  string
	}{
		{"NotEnoughData", snapshot("10", "10", "10"), "", ""},
		{"Flat", snapshot("10", "10", "10", "10", "10"), "", ""},
		{"BullishCross", snapshot("10", "10", "10", "10", "13"), models.SideBuy, "13"},
		{"BearishCross", snapshot("10", "10", "10", "10", "7"), models.SideSell, "7"},
		{"AlreadyAbove", snapshot("10", "10", "13", "14", "15"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := s.GenerateSignal(tt.snap)
			if tt.wantAction == "" {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.wantAction, sig.Action)
			assert.Equal(t, tt.wantPrice, sig.Price.String())
			assert.NotEmpty(t, sig.Reason)
		})
	}
}

func TestRSI_GenerateSignal(t *testing.T) {
	s := &RSI{Period: 3, Oversold: dec(30), Overbought: dec(70)}

	tests := []struct {
		name       string
		snap       Snapshot
		wantRSI    string
		wantAction models.Side
	}{
		{"OnlyGains", snapshot("10", "11", "12", "13"), "100", models.SideSell},
		{"OnlyLosses", snapshot("13", "12", "11", "10"), "0", models.SideBuy},
		{"MostlyUp", snapshot("10", "12", "11", "12"), "75", models.SideSell},
		{"Neutral", snapshot("10", "11", "10", "11"), "66.67", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := s.Value(market.Closes(tt.snap.Candles))
			require.True(t, ok)
			assert.Equal(t, tt.wantRSI, v.Round(2).String())

			sig := s.GenerateSignal(tt.snap)
			if tt.wantAction == "" {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.wantAction, sig.Action)
		})
	}

	assert.Nil(t, s.GenerateSignal(snapshot("10", "11")))
}

func TestNew(t *testing.T) {
	s, err := New("moving_average", Params{"short_period": 5, "long_period": 20})
	require.NoError(t, err)
	assert.Equal(t, "MA_Cross_5_20", s.Name())
	assert.Equal(t, 30, s.Lookback())

	s, err = New("rsi", nil)
	require.NoError(t, err)
	assert.Equal(t, "RSI_14", s.Name())

	_, err = New("moving_average", Params{"short_period": 50, "long_period": 20})
	assert.Error(t, err)
	_, err = New("rsi", Params{"oversold_level": 80})
	assert.Error(t, err)
	_, err = New("macd", nil)
	assert.Error(t, err)
}
