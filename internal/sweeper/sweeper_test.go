package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/memdb"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/position"
	"github.com/xtrntr/tradecore/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func price(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	db  *memdb.DB
	eng *engine.Engine
	mkt *market.StaticProvider
	sw  *Sweeper
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memdb.New()
	for _, p := range []models.Pair{
		{Symbol: "BTC/USD", BaseCurrency: "BTC", QuoteCurrency: "USD", MarketType: models.MarketCrypto,
			MinOrderSize: dec("0.0001"), FeePercentage: dec("0.1"), QuantityPrecision: 8, IsActive: true},
		{Symbol: "ETH/USD", BaseCurrency: "ETH", QuoteCurrency: "USD", MarketType: models.MarketCrypto,
			MinOrderSize: dec("0.001"), FeePercentage: dec("0.2"), QuantityPrecision: 8, IsActive: true},
	} {
		p := p
		require.NoError(t, db.UpsertPair(ctx, &p))
	}

	logger, _ := test.NewNullLogger()
	l := ledger.New(db, logger)
	require.NoError(t, l.Deposit(ctx, 1, "USD", dec("10000"), "DEP-USD"))
	require.NoError(t, l.Deposit(ctx, 1, "BTC", dec("1"), "DEP-BTC"))
	require.NoError(t, l.Deposit(ctx, 1, "ETH", dec("10"), "DEP-ETH"))

	mkt := market.NewStaticProvider()
	mkt.SetQuote("BTC/USD", dec("1000"), dec("1001"))
	mkt.SetQuote("ETH/USD", dec("50"), dec("51"))

	eng := engine.New(db, l, position.NewTracker(logger), mkt, logger)
	sw := New(db, eng, Config{Interval: 10 * time.Millisecond, Concurrency: 2}, logger)
	return &fixture{db: db, eng: eng, mkt: mkt, sw: sw}
}

func (f *fixture) submit(t *testing.T, in engine.Intent) *models.Order {
	t.Helper()
	o, err := f.eng.Submit(context.Background(), 1, in)
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, o.Status)
	return o
}

func (f *fixture) status(t *testing.T, o *models.Order) models.OrderStatus {
	t.Helper()
	stored, err := f.db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	return stored.Status
}

func TestSweep_FillsTriggeredOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	buy := f.submit(t, engine.Intent{Pair: "BTC/USD", Type: models.OrderLimit, Side: models.SideBuy, Quantity: dec("1"), LimitPrice: price("950")})
	stop := f.submit(t, engine.Intent{Pair: "BTC/USD", Type: models.OrderStopLoss, Side: models.SideSell, Quantity: dec("1"), StopPrice: price("900")})
	tp := f.submit(t, engine.Intent{Pair: "ETH/USD", Type: models.OrderTakeProfit, Side: models.SideSell, Quantity: dec("5"), StopPrice: price("60")})

	res, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Pairs: 2}, res)

	// BTC drops: the limit buy fills and the stop fires
	f.mkt.SetQuote("BTC/USD", dec("890"), dec("891"))
	res, err = f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filled)
	assert.Equal(t, models.StatusFilled, f.status(t, buy))
	assert.Equal(t, models.StatusFilled, f.status(t, stop))
	assert.Equal(t, models.StatusOpen, f.status(t, tp))

	f.mkt.SetQuote("ETH/USD", dec("61"), dec("62"))
	res, err = f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Pairs: 1, Checked: 1, Filled: 1}, res)
	assert.Equal(t, models.StatusFilled, f.status(t, tp))

	res, err = f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestSweep_QuoteOutageSkipsOnlyThatPair(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	btc := f.submit(t, engine.Intent{Pair: "BTC/USD", Type: models.OrderLimit, Side: models.SideSell, Quantity: dec("0.5"), LimitPrice: price("900")})
	eth := f.submit(t, engine.Intent{Pair: "ETH/USD", Type: models.OrderLimit, Side: models.SideSell, Quantity: dec("1"), LimitPrice: price("40")})

	f.mkt.Fail("BTC/USD", fmt.Errorf("%w: upstream down", market.ErrDataUnavailable))
	res, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, models.StatusOpen, f.status(t, btc))
	assert.Equal(t, models.StatusFilled, f.status(t, eth))
}

func TestSweep_RetriesOpenMarketOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.mkt.Fail("ETH/USD", fmt.Errorf("%w: upstream down", market.ErrDataUnavailable))
	o := f.submit(t, engine.Intent{Pair: "ETH/USD", Type: models.OrderMarket, Side: models.SideSell, Quantity: dec("2")})

	f.mkt.SetQuote("ETH/USD", dec("50"), dec("51"))
	res, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, models.StatusFilled, f.status(t, o))
}

// gatedProvider holds the n-th Ticker call until release is closed
type gatedProvider struct {
	market.Provider
	n       int32
	calls   int32
	reached chan struct{}
	release chan struct{}
}

func (g *gatedProvider) Ticker(ctx context.Context, pair string) (market.Ticker, error) {
	if atomic.AddInt32(&g.calls, 1) == g.n {
		close(g.reached)
		<-g.release
	}
	return g.Provider.Ticker(ctx, pair)
}

func TestSweep_FillsMarketOrderBeforeSubmitDoes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	// call 1 prices the reservation, call 2 is the inline fill
	gate := &gatedProvider{Provider: f.mkt, n: 2, reached: make(chan struct{}), release: make(chan struct{})}
	eng := engine.New(f.db, ledger.New(f.db, logger), position.NewTracker(logger), gate, logger)
	sw := New(f.db, eng, Config{Concurrency: 1}, logger)

	type submitted struct {
		order *models.Order
		err   error
	}
	done := make(chan submitted, 1)
	go func() {
		o, err := eng.Submit(ctx, 1, engine.Intent{Pair: "ETH/USD", Type: models.OrderMarket, Side: models.SideBuy, Quantity: dec("1")})
		done <- submitted{o, err}
	}()
	<-gate.reached

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Pairs: 1, Checked: 1, Filled: 1}, res)

	close(gate.release)
	got := <-done
	require.NoError(t, got.err)
	require.NotNil(t, got.order)
	assert.Equal(t, models.StatusFilled, got.order.Status)

	usd, err := f.db.GetWallet(ctx, store.WalletKey{UserID: 1, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "9948.898", usd.Available.String())
	assert.True(t, usd.Locked.IsZero())
	eth, err := f.db.GetWallet(ctx, store.WalletKey{UserID: 1, Currency: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, "11", eth.Available.String())
}

func TestSweep_ContinuesPastFailedOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// reserves almost everything at the stop price, then cannot top up
	// when the fill comes in higher
	doomed := f.submit(t, engine.Intent{Pair: "BTC/USD", Type: models.OrderStopLoss, Side: models.SideBuy, Quantity: dec("9.9"), StopPrice: price("1005")})
	healthy := f.submit(t, engine.Intent{Pair: "BTC/USD", Type: models.OrderLimit, Side: models.SideSell, Quantity: dec("1"), LimitPrice: price("1000")})

	f.mkt.SetQuote("BTC/USD", dec("1100"), dec("1101"))
	res, err := f.sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, models.StatusRejected, f.status(t, doomed))
	assert.Equal(t, models.StatusFilled, f.status(t, healthy))

	w, err := f.db.GetWallet(ctx, store.WalletKey{UserID: 1, Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, w.Locked.IsZero(), "rejected order released its reservation, locked=%s", w.Locked)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := setup(t)
	o := f.submit(t, engine.Intent{Pair: "ETH/USD", Type: models.OrderLimit, Side: models.SideSell, Quantity: dec("1"), LimitPrice: price("40")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sw.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.status(t, o) == models.StatusFilled
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
