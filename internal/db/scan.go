package db

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/models"
)

// NUMERIC columns travel as text so no precision is lost on the way to
// decimal.Decimal.

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

const walletColumns = "user_id, currency, available::text, locked::text, created_at, updated_at"

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var available, locked string
	if err := row.Scan(&w.UserID, &w.Currency, &available, &locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Available, err = parseDecimal(available); err != nil {
		return nil, err
	}
	if w.Locked, err = parseDecimal(locked); err != nil {
		return nil, err
	}
	return &w, nil
}

const orderColumns = `id, user_id, pair, type, side, quantity::text, limit_price::text, stop_price::text,
	filled_quantity::text, average_fill_price::text, status, fee_accrued::text, source, source_ref,
	reserved_currency, reserved_amount::text, locked_remaining::text, created_at, updated_at, executed_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var quantity, filled, fee, reserved, remaining string
	var limitPrice, stopPrice, avgPrice *string
	if err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Type, &o.Side, &quantity, &limitPrice, &stopPrice,
		&filled, &avgPrice, &o.Status, &fee, &o.Source, &o.SourceRef,
		&o.ReservedCurrency, &reserved, &remaining, &o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt); err != nil {
		return nil, err
	}

	var err error
	if o.Quantity, err = parseDecimal(quantity); err != nil {
		return nil, err
	}
	if o.LimitPrice, err = parseDecimalPtr(limitPrice); err != nil {
		return nil, err
	}
	if o.StopPrice, err = parseDecimalPtr(stopPrice); err != nil {
		return nil, err
	}
	if o.FilledQuantity, err = parseDecimal(filled); err != nil {
		return nil, err
	}
	if o.AverageFillPrice, err = parseDecimalPtr(avgPrice); err != nil {
		return nil, err
	}
	if o.FeeAccrued, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	if o.ReservedAmount, err = parseDecimal(reserved); err != nil {
		return nil, err
	}
	if o.LockedRemaining, err = parseDecimal(remaining); err != nil {
		return nil, err
	}
	return &o, nil
}

const tradeColumns = `id, order_id, user_id, pair, side, quantity::text, price::text, fee::text,
	realized_pnl::text, sequence, executed_at`

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var quantity, price, fee, pnl string
	if err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Pair, &t.Side, &quantity, &price, &fee,
		&pnl, &t.Sequence, &t.ExecutedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Quantity, err = parseDecimal(quantity); err != nil {
		return nil, err
	}
	if t.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	if t.Fee, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	if t.RealizedPnL, err = parseDecimal(pnl); err != nil {
		return nil, err
	}
	return &t, nil
}

const positionColumns = `user_id, pair, side, quantity::text, entry_price::text, realized_pnl::text,
	opened_at, updated_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	var p models.Position
	var quantity, entry, pnl string
	if err := row.Scan(&p.UserID, &p.Pair, &p.Side, &quantity, &entry, &pnl, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Quantity, err = parseDecimal(quantity); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = parseDecimal(entry); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = parseDecimal(pnl); err != nil {
		return nil, err
	}
	return &p, nil
}

const transactionColumns = `id, user_id, type, currency, amount::text, fee::text, status, reference_id,
	order_id, created_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var amount, fee string
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Currency, &amount, &fee, &t.Status, &t.ReferenceID,
		&t.OrderID, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if t.Fee, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	return &t, nil
}
