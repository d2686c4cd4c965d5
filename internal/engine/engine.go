// Package engine turns order intents into reservations, fills and
// settlements.
//
// An order moves open -> partially_filled -> filled, or ends cancelled or
// rejected. Submission reserves funds and persists the order in one store
// transaction. Each fill fetches a quote first, then locks the order, both
// wallets and the position in that order and settles in a second
// transaction. Quotes are never fetched while a row lock is held.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/journal"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/position"
	"github.com/xtrntr/tradecore/internal/store"
)

// Intent is what a caller asks the engine to do
type Intent struct {
	Pair       string             `json:"pair"`
	Type       models.OrderType   `json:"type"`
	Side       models.Side        `json:"side"`
	Quantity   decimal.Decimal    `json:"quantity"`
	LimitPrice *decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal   `json:"stop_price,omitempty"`
	Source     models.OrderSource `json:"source,omitempty"`
	SourceRef  string             `json:"source_ref,omitempty"`
}

// Engine executes orders
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	positions *position.Tracker
	market    market.Provider
	calendar  *market.Calendar
	timeout   time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// Option customizes an Engine
type Option func(*Engine)

// WithCalendar enforces market hours on submission
func WithCalendar(c *market.Calendar) Option {
	return func(e *Engine) { e.calendar = c }
}

// WithMarketTimeout bounds every quote request
func WithMarketTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine
func New(s store.Store, l *ledger.Ledger, p *position.Tracker, m market.Provider, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		ledger:    l,
		positions: p,
		market:    m,
		timeout:   5 * time.Second,
		now:       time.Now,
		log:       log.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Order fetches an order by id
func (e *Engine) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, err
}

// Quote fetches a live two-sided quote under the engine's market timeout
func (e *Engine) Quote(ctx context.Context, pair string) (market.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	t, err := e.market.Ticker(ctx, pair)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, market.ErrDataUnavailable) {
			return market.Ticker{}, fmt.Errorf("%w: %w", market.ErrDataUnavailable, err)
		}
		return market.Ticker{}, err
	}
	if t.Stale || !t.Quotable() {
		return market.Ticker{}, fmt.Errorf("%w: no live quote for %s", market.ErrDataUnavailable, pair)
	}
	return t, nil
}

func (e *Engine) validate(ctx context.Context, in *Intent) (*models.Pair, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, in.Type)
	}
	if !in.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, in.Side)
	}
	if in.Source == "" {
		in.Source = models.SourceManual
	}
	if !in.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidOrder, in.Source)
	}

	pair, err := e.store.GetPair(ctx, in.Pair)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, in.Pair)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair: %w", err)
	}
	if !pair.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, in.Pair)
	}

	q := in.Quantity
	if !q.IsPositive() || q.LessThan(pair.MinOrderSize) ||
		(pair.MaxOrderSize.IsPositive() && q.GreaterThan(pair.MaxOrderSize)) {
		return nil, fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidQuantity, q, pair.MinOrderSize, pair.MaxOrderSize)
	}
	if !q.Equal(q.Truncate(pair.QuantityPrecision)) {
		return nil, fmt.Errorf("%w: %s exceeds %d decimal places", ErrInvalidQuantity, q, pair.QuantityPrecision)
	}

	for _, px := range []*decimal.Decimal{in.LimitPrice, in.StopPrice} {
		if px != nil && !px.Equal(px.Truncate(pair.PricePrecision)) {
			return nil, fmt.Errorf("%w: price %s exceeds %d decimal places", ErrInvalidOrder, px, pair.PricePrecision)
		}
	}

	switch in.Type {
	case models.OrderMarket:
		if in.LimitPrice != nil || in.StopPrice != nil {
			return nil, fmt.Errorf("%w: market orders take no price", ErrInvalidOrder)
		}
	case models.OrderLimit:
		if in.LimitPrice == nil || !in.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: limit order requires a positive limit price", ErrMissingPrice)
		}
	case models.OrderStopLoss, models.OrderTakeProfit:
		if in.StopPrice == nil || !in.StopPrice.IsPositive() {
			return nil, fmt.Errorf("%w: %s order requires a positive stop price", ErrMissingPrice, in.Type)
		}
		if in.LimitPrice != nil && !in.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: limit price must be positive", ErrMissingPrice)
		}
	}

	if !e.calendar.IsOpen(pair.MarketType, e.now()) {
		return nil, fmt.Errorf("%w: %s", ErrMarketClosed, pair.Symbol)
	}
	return pair, nil
}

// reservation returns the currency and amount to lock for an order. Buys
// reserve quote at the reference price plus fee; sells reserve base.
func (e *Engine) reservation(ctx context.Context, pair *models.Pair, in Intent) (string, decimal.Decimal, error) {
	if in.Side == models.SideSell {
		return pair.BaseCurrency, in.Quantity, nil
	}

	var ref decimal.Decimal
	if in.LimitPrice != nil {
		ref = *in.LimitPrice
	} else {
		t, err := e.Quote(ctx, pair.Symbol)
		if err != nil {
			return "", decimal.Zero, err
		}
		ref = t.Ask
		if in.StopPrice != nil && in.StopPrice.GreaterThan(ref) {
			ref = *in.StopPrice
		}
	}
	amount := in.Quantity.Mul(ref).Mul(decimal.NewFromInt(1).Add(pair.FeeRate())).RoundCeil(models.AmountScale)
	return pair.QuoteCurrency, amount, nil
}

// Submit validates an intent, reserves funds and persists the order as open.
// Market orders are filled before returning. If that fill fails for a
// retryable reason the open order is returned without error and the sweep
// picks it up; a terminal failure returns the rejected order with the cause.
// An order the sweep fills in the meantime is returned without error.
func (e *Engine) Submit(ctx context.Context, userID int, in Intent) (*models.Order, error) {
	pair, err := e.validate(ctx, &in)
	if err != nil {
		return nil, err
	}
	currency, amount, err := e.reservation(ctx, pair, in)
	if err != nil {
		return nil, err
	}

	now := e.now()
	o := &models.Order{
		ID:               uuid.New(),
		UserID:           userID,
		Pair:             pair.Symbol,
		Type:             in.Type,
		Side:             in.Side,
		Quantity:         in.Quantity,
		LimitPrice:       in.LimitPrice,
		StopPrice:        in.StopPrice,
		Status:           models.StatusOpen,
		Source:           in.Source,
		SourceRef:        in.SourceRef,
		ReservedCurrency: currency,
		ReservedAmount:   amount,
		LockedRemaining:  amount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	log := e.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"user_id":  userID,
		"pair":     o.Pair,
		"type":     o.Type,
		"side":     o.Side,
		"source":   o.Source,
	})

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := e.ledger.Reserve(ctx, tx, ledger.Op{
			UserID:    userID,
			Currency:  currency,
			Amount:    amount,
			Reference: journal.ReserveRef(o.ID),
			OrderID:   &o.ID,
		}); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		log.WithError(err).Info("Order submission refused")
		return nil, err
	}
	log.WithField("reserved", amount.String()+" "+currency).Info("Order submitted")

	if o.Type != models.OrderMarket {
		return o, nil
	}
	filled, err := e.ExecuteFill(ctx, o.ID, decimal.Zero)
	if err == nil {
		return filled, nil
	}
	if Retryable(err) {
		log.WithError(err).Warn("Market order left open for retry")
		return o, nil
	}
	latest, getErr := e.Order(ctx, o.ID)
	if getErr != nil {
		return nil, err
	}
	// a concurrent sweep got to the order first
	if errors.Is(err, ErrOrderNotOpen) &&
		(latest.Status == models.StatusFilled || latest.Status == models.StatusPartiallyFilled) {
		log.WithField("status", latest.Status).Info("Market order filled by sweep")
		return latest, nil
	}
	return latest, err
}

// ExecuteFill fills quantity of an order at the current quote. Zero fills
// the whole remainder.
func (e *Engine) ExecuteFill(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal) (*models.Order, error) {
	o, err := e.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Fillable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, o.ID, o.Status)
	}
	t, err := e.Quote(ctx, o.Pair)
	if err != nil {
		e.log.WithError(err).WithField("order_id", orderID).Warn("No quote, order stays open")
		return nil, err
	}
	return e.ExecuteFillAt(ctx, orderID, quantity, t)
}

// ExecuteFillAt fills against a quote the caller already holds. A failure
// that cannot succeed on retry rejects the order and releases what is
// still reserved.
func (e *Engine) ExecuteFillAt(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal, t market.Ticker) (*models.Order, error) {
	var filled *models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		filled, err = e.fill(ctx, tx, orderID, quantity, t)
		return err
	})
	if err == nil {
		return filled, nil
	}

	log := e.log.WithError(err).WithField("order_id", orderID)
	if !rejects(err) {
		if !Retryable(err) {
			log.Warn("Fill failed")
		}
		return nil, err
	}
	log.Error("Fill failed, rejecting order")
	if rejErr := e.reject(ctx, orderID); rejErr != nil {
		log.WithField("reject_error", rejErr).Error("Failed to reject order")
		return nil, fmt.Errorf("%w (reject failed: %v)", err, rejErr)
	}
	return nil, err
}

func (e *Engine) fill(ctx context.Context, tx store.Tx, orderID uuid.UUID, quantity decimal.Decimal, t market.Ticker) (*models.Order, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if !o.Status.Fillable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, o.ID, o.Status)
	}

	remaining := o.Remaining()
	if quantity.IsZero() {
		quantity = remaining
	}
	if !quantity.IsPositive() || quantity.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: fill %s, remaining %s", ErrInvalidQuantity, quantity, remaining)
	}

	price, ok := Triggered(o, t)
	if !ok {
		return nil, fmt.Errorf("%w: %s bid=%s ask=%s", ErrNotTriggered, o.ID, t.Bid, t.Ask)
	}

	pair, err := e.store.GetPair(ctx, o.Pair)
	if err != nil {
		return nil, fmt.Errorf("failed to load pair: %w", err)
	}
	trades, err := e.store.ListTrades(ctx, o.UserID, &o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count fills: %w", err)
	}
	seq := len(trades) + 1

	base := store.WalletKey{UserID: o.UserID, Currency: pair.BaseCurrency}
	quote := store.WalletKey{UserID: o.UserID, Currency: pair.QuoteCurrency}
	for _, k := range store.SortWalletKeys([]store.WalletKey{base, quote}) {
		if _, err := tx.LockWallet(ctx, k); err != nil {
			return nil, err
		}
	}

	cost := quantity.Mul(price).RoundBank(models.AmountScale)
	fee := cost.Mul(pair.FeeRate()).RoundCeil(models.AmountScale)

	var debit, credit ledger.Op
	if o.Side == models.SideBuy {
		debit = ledger.Op{UserID: o.UserID, Currency: pair.QuoteCurrency, Amount: cost.Add(fee), Fee: fee}
		credit = ledger.Op{UserID: o.UserID, Currency: pair.BaseCurrency, Amount: quantity}

		if shortfall := debit.Amount.Sub(o.LockedRemaining); shortfall.IsPositive() {
			if err := e.ledger.Reserve(ctx, tx, ledger.Op{
				UserID:    o.UserID,
				Currency:  pair.QuoteCurrency,
				Amount:    shortfall,
				Reference: journal.TopUpRef(o.ID, seq),
				OrderID:   &o.ID,
			}); err != nil {
				return nil, err
			}
			o.LockedRemaining = o.LockedRemaining.Add(shortfall)
			o.ReservedAmount = o.ReservedAmount.Add(shortfall)
		}
	} else {
		debit = ledger.Op{UserID: o.UserID, Currency: pair.BaseCurrency, Amount: quantity}
		credit = ledger.Op{UserID: o.UserID, Currency: pair.QuoteCurrency, Amount: cost.Sub(fee), Fee: fee}
	}
	debit.Reference, debit.OrderID = journal.FillDebitRef(o.ID, seq), &o.ID
	credit.Reference, credit.OrderID = journal.FillCreditRef(o.ID, seq), &o.ID

	if err := e.ledger.Settle(ctx, tx, debit, credit); err != nil {
		return nil, err
	}
	o.LockedRemaining = o.LockedRemaining.Sub(debit.Amount)

	now := e.now()
	realized, err := e.positions.ApplyFill(ctx, tx, position.Fill{
		UserID:   o.UserID,
		Pair:     o.Pair,
		Side:     o.Side,
		Quantity: quantity,
		Price:    price,
		At:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}

	if err := tx.InsertTrade(ctx, &models.Trade{
		ID:          uuid.New(),
		OrderID:     o.ID,
		UserID:      o.UserID,
		Pair:        o.Pair,
		Side:        o.Side,
		Quantity:    quantity,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		Sequence:    seq,
		ExecutedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	newFilled := o.FilledQuantity.Add(quantity)
	avg := price
	if o.AverageFillPrice != nil {
		avg = o.AverageFillPrice.Mul(o.FilledQuantity).Add(cost).Div(newFilled)
	}
	o.AverageFillPrice = &avg
	o.FilledQuantity = newFilled
	o.FeeAccrued = o.FeeAccrued.Add(fee)
	o.UpdatedAt = now
	o.Status = models.StatusPartiallyFilled

	if newFilled.Equal(o.Quantity) {
		o.Status = models.StatusFilled
		o.ExecutedAt = &now
		if o.LockedRemaining.IsPositive() {
			if err := e.ledger.Release(ctx, tx, ledger.Op{
				UserID:    o.UserID,
				Currency:  o.ReservedCurrency,
				Amount:    o.LockedRemaining,
				Reference: journal.ResidualRef(o.ID),
				OrderID:   &o.ID,
			}); err != nil {
				return nil, err
			}
			o.LockedRemaining = decimal.Zero
		}
	}

	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"user_id":  o.UserID,
		"pair":     o.Pair,
		"side":     o.Side,
		"quantity": quantity.String(),
		"price":    price.String(),
		"fee":      fee.String(),
		"status":   o.Status,
	}).Info("Order filled")
	return o, nil
}

// Triggered reports whether o may execute against t and at what price.
// Buys take the ask and sells the bid. A limit price caps buys and floors
// sells; stop-loss fires when price moves against the side, take-profit
// when it moves in favour.
func Triggered(o *models.Order, t market.Ticker) (decimal.Decimal, bool) {
	buy := o.Side == models.SideBuy
	price := t.Bid
	if buy {
		price = t.Ask
	}
	if !price.IsPositive() {
		return decimal.Zero, false
	}

	if o.LimitPrice != nil {
		if buy && price.GreaterThan(*o.LimitPrice) {
			return decimal.Zero, false
		}
		if !buy && price.LessThan(*o.LimitPrice) {
			return decimal.Zero, false
		}
	}

	if o.StopPrice != nil {
		stop := *o.StopPrice
		var fired bool
		switch {
		case o.Type == models.OrderStopLoss && buy:
			fired = price.GreaterThanOrEqual(stop)
		case o.Type == models.OrderStopLoss:
			fired = price.LessThanOrEqual(stop)
		case o.Type == models.OrderTakeProfit && buy:
			fired = price.LessThanOrEqual(stop)
		case o.Type == models.OrderTakeProfit:
			fired = price.GreaterThanOrEqual(stop)
		}
		if !fired {
			return decimal.Zero, false
		}
	}
	return price, true
}

// Cancel cancels an open or partially filled order and releases whatever
// it still has reserved
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var cancelled *models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if !o.Status.Fillable() {
			return fmt.Errorf("%w: %s is %s", ErrOrderNotCancellable, o.ID, o.Status)
		}
		if err := e.closeOut(ctx, tx, o, models.StatusCancelled, journal.CancelRef(o.ID)); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"user_id":  cancelled.UserID,
	}).Info("Order cancelled")
	return cancelled, nil
}

func (e *Engine) reject(ctx context.Context, orderID uuid.UUID) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.Fillable() {
			return nil
		}
		return e.closeOut(ctx, tx, o, models.StatusRejected, journal.RejectRef(o.ID))
	})
}

// closeOut moves o to a terminal status and releases its remaining
// reservation under reference
func (e *Engine) closeOut(ctx context.Context, tx store.Tx, o *models.Order, status models.OrderStatus, reference string) error {
	if o.LockedRemaining.IsPositive() {
		if err := e.ledger.Release(ctx, tx, ledger.Op{
			UserID:    o.UserID,
			Currency:  o.ReservedCurrency,
			Amount:    o.LockedRemaining,
			Reference: reference,
			OrderID:   &o.ID,
		}); err != nil {
			return err
		}
	}
	o.LockedRemaining = decimal.Zero
	o.Status = status
	o.UpdatedAt = e.now()
	return tx.UpdateOrder(ctx, o)
}
