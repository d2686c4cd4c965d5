// Package bot runs strategies on a schedule and turns their signals into
// market orders through the engine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
	"github.com/xtrntr/tradecore/internal/strategy"
)

// allocation is the share of available quote balance put into one trade
var allocation = decimal.RequireFromString("0.1")

// Config describes one bot
type Config struct {
	ID              string
	UserID          int
	Strategy        string
	Params          strategy.Params
	Pairs           []string
	Timeframe       string
	Interval        time.Duration
	MaxPositionSize decimal.Decimal // in quote currency, zero means uncapped
	StopLossPercent decimal.Decimal // protective stop below each buy, zero disables
}

// Submitter is how bots reach the engine
type Submitter interface {
	Submit(ctx context.Context, userID int, in engine.Intent) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

// Bot runs one strategy for one user across its pairs
type Bot struct {
	cfg    Config
	strat  strategy.Strategy
	engine Submitter
	market market.Provider
	store  store.Store
	log    logrus.FieldLogger

	// last action per pair, so a signal that persists across runs fires once
	last map[string]models.Side
}

// New creates a bot from its configuration
func New(cfg Config, sub Submitter, m market.Provider, s store.Store, log logrus.FieldLogger) (*Bot, error) {
	strat, err := strategy.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.ID, err)
	}
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("bot %s: no pairs configured", cfg.ID)
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if !market.ValidTimeframe(cfg.Timeframe) {
		return nil, fmt.Errorf("bot %s: unsupported timeframe %q", cfg.ID, cfg.Timeframe)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Bot{
		cfg:    cfg,
		strat:  strat,
		engine: sub,
		market: m,
		store:  s,
		log: log.WithFields(logrus.Fields{
			"component": "bot",
			"bot_id":    cfg.ID,
			"strategy":  strat.Name(),
		}),
		last: make(map[string]models.Side),
	}, nil
}

// Run executes the bot every interval until ctx is cancelled
func (b *Bot) Run(ctx context.Context) error {
	b.log.WithField("interval", b.cfg.Interval).Info("Bot started")
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("Bot stopped")
			return nil
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every pair and returns the orders it submitted. A
// failing pair is logged and does not stop the others.
func (b *Bot) RunOnce(ctx context.Context) []*models.Order {
	var orders []*models.Order
	for _, pair := range b.cfg.Pairs {
		placed, err := b.runPair(ctx, pair)
		if err != nil {
			b.log.WithError(err).WithField("pair", pair).Error("Bot run failed")
		}
		orders = append(orders, placed...)
	}
	return orders
}

func (b *Bot) runPair(ctx context.Context, symbol string) ([]*models.Order, error) {
	candles, err := b.market.Historical(ctx, symbol, b.cfg.Timeframe, b.strat.Lookback())
	if err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	sig := b.strat.GenerateSignal(strategy.Snapshot{Pair: symbol, Candles: candles})
	if sig == nil || b.last[symbol] == sig.Action {
		return nil, nil
	}

	log := b.log.WithFields(logrus.Fields{
		"pair":   symbol,
		"action": sig.Action,
		"reason": sig.Reason,
	})
	log.Info("Signal generated")

	pair, err := b.store.GetPair(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load pair: %w", err)
	}
	var qty decimal.Decimal
	if sig.Action == models.SideSell {
		qty, err = b.exitSize(ctx, pair)
	} else {
		qty, err = b.positionSize(ctx, pair, sig.Price)
	}
	if err != nil {
		return nil, err
	}
	if qty.LessThan(pair.MinOrderSize) || !qty.IsPositive() {
		log.WithField("quantity", qty.String()).Info("Position size below minimum, signal ignored")
		b.last[symbol] = sig.Action
		return nil, nil
	}

	order, err := b.engine.Submit(ctx, b.cfg.UserID, engine.Intent{
		Pair:      symbol,
		Type:      models.OrderMarket,
		Side:      sig.Action,
		Quantity:  qty,
		Source:    models.SourceBot,
		SourceRef: b.cfg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s order: %w", sig.Action, err)
	}
	b.last[symbol] = sig.Action
	log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"quantity": qty.String(),
		"status":   order.Status,
	}).Info("Bot order submitted")

	orders := []*models.Order{order}
	if stop, err := b.protect(ctx, pair, order); err != nil {
		log.WithError(err).Warn("Failed to place protective stop")
	} else if stop != nil {
		orders = append(orders, stop)
	}
	return orders, nil
}

// positionSize sizes entries as min(10% of available quote, max position size) / price,
// truncated to the pair's quantity precision
func (b *Bot) positionSize(ctx context.Context, pair *models.Pair, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("signal price %s is not positive", price)
	}
	w, err := b.store.GetWallet(ctx, store.WalletKey{UserID: b.cfg.UserID, Currency: pair.QuoteCurrency})
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load wallet: %w", err)
	}
	budget := w.Available.Mul(allocation)
	if b.cfg.MaxPositionSize.IsPositive() {
		budget = decimal.Min(budget, b.cfg.MaxPositionSize)
	}
	return budget.Div(price).Truncate(pair.QuantityPrecision), nil
}

// exitSize cancels the bot's protective stops on the pair and returns the
// long position quantity that can be sold, capped by available base
func (b *Bot) exitSize(ctx context.Context, pair *models.Pair) (decimal.Decimal, error) {
	positions, err := b.store.ListPositions(ctx, b.cfg.UserID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load positions: %w", err)
	}
	held := decimal.Zero
	for _, p := range positions {
		if p.Pair == pair.Symbol && p.Side == models.PositionLong {
			held = p.Quantity
		}
	}
	if !held.IsPositive() {
		return decimal.Zero, nil
	}

	if err := b.cancelStops(ctx, pair.Symbol); err != nil {
		return decimal.Zero, err
	}

	w, err := b.store.GetWallet(ctx, store.WalletKey{UserID: b.cfg.UserID, Currency: pair.BaseCurrency})
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load wallet: %w", err)
	}
	return decimal.Min(held, w.Available).Truncate(pair.QuantityPrecision), nil
}

// cancelStops cancels the open stop-loss sells this bot placed on symbol
func (b *Bot) cancelStops(ctx context.Context, symbol string) error {
	open, err := b.store.ListOrders(ctx, store.OrderFilter{
		UserID:   b.cfg.UserID,
		Pair:     symbol,
		Statuses: []models.OrderStatus{models.StatusOpen, models.StatusPartiallyFilled},
	})
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	for _, o := range open {
		if o.Source != models.SourceBot || o.SourceRef != b.cfg.ID ||
			o.Type != models.OrderStopLoss || o.Side != models.SideSell {
			continue
		}
		_, err := b.engine.Cancel(ctx, o.ID)
		if errors.Is(err, engine.ErrOrderNotCancellable) {
			// filled by the sweep in the meantime
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cancel stop %s: %w", o.ID, err)
		}
		b.log.WithFields(logrus.Fields{"pair": symbol, "order_id": o.ID}).Info("Protective stop cancelled for exit")
	}
	return nil
}

// protect places a stop-loss sell under a filled bot buy
func (b *Bot) protect(ctx context.Context, pair *models.Pair, o *models.Order) (*models.Order, error) {
	if !b.cfg.StopLossPercent.IsPositive() || o.Side != models.SideBuy ||
		o.Status != models.StatusFilled || o.AverageFillPrice == nil {
		return nil, nil
	}
	factor := decimal.NewFromInt(1).Sub(b.cfg.StopLossPercent.Div(decimal.NewFromInt(100)))
	stop := o.AverageFillPrice.Mul(factor).Round(pair.PricePrecision)
	return b.engine.Submit(ctx, b.cfg.UserID, engine.Intent{
		Pair:      pair.Symbol,
		Type:      models.OrderStopLoss,
		Side:      models.SideSell,
		Quantity:  o.FilledQuantity,
		StopPrice: &stop,
		Source:    models.SourceBot,
		SourceRef: b.cfg.ID,
	})
}
