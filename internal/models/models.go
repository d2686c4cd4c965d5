package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// MarketType is the asset class a pair trades in
type MarketType string

const (
	MarketCrypto    MarketType = "crypto"
	MarketStock     MarketType = "stock"
	MarketForex     MarketType = "forex"
	MarketCommodity MarketType = "commodity"
	MarketBond      MarketType = "bond"
	MarketETF       MarketType = "etf"
	MarketIndex     MarketType = "index"
)

// Pair holds the trading rules for a symbol
type Pair struct {
	Symbol            string          `json:"symbol"`
	BaseCurrency      string          `json:"base_currency"`
	QuoteCurrency     string          `json:"quote_currency"`
	MarketType        MarketType      `json:"market_type"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MaxOrderSize      decimal.Decimal `json:"max_order_size"`
	FeePercentage     decimal.Decimal `json:"fee_percentage"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
	IsActive          bool            `json:"is_active"`
}

// AmountScale is the number of decimal places balances and journal amounts
// are stored with
const AmountScale int32 = 18

// FeeRate returns the fee as a fraction (0.1% -> 0.001)
func (p *Pair) FeeRate() decimal.Decimal {
	return p.FeePercentage.Div(decimal.NewFromInt(100))
}

// Wallet is one user's balance in one currency
type Wallet struct {
	UserID    int             `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total is available plus locked
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopLoss   OrderType = "stop_loss"
	OrderTakeProfit OrderType = "take_profit"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStopLoss, OrderTakeProfit:
		return true
	}
	return false
}

// Resting is true for order types that wait for a trigger
func (t OrderType) Resting() bool {
	return t == OrderLimit || t == OrderStopLoss || t == OrderTakeProfit
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Fillable reports whether the order can still receive fills or be cancelled
func (s OrderStatus) Fillable() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

type OrderSource string

const (
	SourceManual    OrderSource = "manual"
	SourceBot       OrderSource = "bot"
	SourceCopyTrade OrderSource = "copy_trade"
	SourceSignal    OrderSource = "signal"
)

// Valid reports whether s is a known order source
func (s OrderSource) Valid() bool {
	switch s {
	case SourceManual, SourceBot, SourceCopyTrade, SourceSignal:
		return true
	}
	return false
}

// Order represents a buy or sell order
type Order struct {
	ID               uuid.UUID        `json:"id"`
	UserID           int              `json:"user_id"`
	Pair             string           `json:"pair"`
	Type             OrderType        `json:"type"`
	Side             Side             `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        *decimal.Decimal `json:"stop_price,omitempty"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	Status           OrderStatus      `json:"status"`
	FeeAccrued       decimal.Decimal  `json:"fee_accrued"`
	Source           OrderSource      `json:"source"`
	SourceRef        string           `json:"source_ref,omitempty"`
	ReservedCurrency string           `json:"reserved_currency"`
	ReservedAmount   decimal.Decimal  `json:"reserved_amount"`
	LockedRemaining  decimal.Decimal  `json:"locked_remaining"`
	CreatedAt        time.Time        `json:"created_at"` // Used for time priority
	UpdatedAt        time.Time        `json:"updated_at"`
	ExecutedAt       *time.Time       `json:"executed_at,omitempty"`
}

// Remaining is the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade represents one fill of an order
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	UserID      int             `json:"user_id"`
	Pair        string          `json:"pair"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Sequence    int             `json:"sequence"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is the open exposure of a user in a pair
type Position struct {
	UserID      int             `json:"user_id"`
	Pair        string          `json:"pair"`
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UnrealizedPnL marks the position against mark
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	pnl := mark.Sub(p.EntryPrice).Mul(p.Quantity)
	if p.Side == PositionShort {
		return pnl.Neg()
	}
	return pnl
}

type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxReserve     TransactionType = "reserve"
	TxRelease     TransactionType = "release"
	TxTradeDebit  TransactionType = "trade_debit"
	TxTradeCredit TransactionType = "trade_credit"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an immutable journal entry for one balance mutation
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	UserID      int               `json:"user_id"`
	Type        TransactionType   `json:"type"`
	Currency    string            `json:"currency"`
	Amount      decimal.Decimal   `json:"amount"`
	Fee         decimal.Decimal   `json:"fee"`
	Status      TransactionStatus `json:"status"`
	ReferenceID string            `json:"reference_id"`
	OrderID     *uuid.UUID        `json:"order_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}
