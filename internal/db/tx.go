package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// pgTx adapts a pgx transaction to store.Tx. Locks are plain row locks
// (SELECT ... FOR UPDATE) held until the transaction ends.
type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

// LockWallet locks the wallet row, creating it first if needed
func (t *pgTx) LockWallet(ctx context.Context, key store.WalletKey) (*models.Wallet, error) {
	w, err := t.lockWallet(ctx, key)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, key.UserID, key.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	w, err = t.lockWallet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return w, nil
}

func (t *pgTx) lockWallet(ctx context.Context, key store.WalletKey) (*models.Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 AND currency = $2 FOR UPDATE",
		key.UserID, key.Currency))
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	w.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets SET available = $1, locked = $2, updated_at = $3
		WHERE user_id = $4 AND currency = $5
	`, w.Available.String(), w.Locked.String(), w.UpdatedAt, w.UserID, w.Currency)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %d/%s: %w", w.UserID, w.Currency, store.ErrNotFound)
	}
	return nil
}

// InsertTransaction relies on the unique reference_id constraint. ON CONFLICT
// keeps the surrounding transaction usable when the entry already exists.
func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, type, currency, amount, fee, status, reference_id,
			order_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reference_id) DO NOTHING
	`, txn.ID, txn.UserID, txn.Type, txn.Currency, txn.Amount.String(), txn.Fee.String(), txn.Status,
		txn.ReferenceID, txn.OrderID, txn.CreatedAt, txn.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetTransaction(ctx context.Context, referenceID string) (*models.Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference_id = $1", referenceID))
	if err != nil {
		return nil, notFound(err, "transaction "+referenceID)
	}
	return txn, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, pair, type, side, quantity, limit_price, stop_price,
			filled_quantity, average_fill_price, status, fee_accrued, source, source_ref,
			reserved_currency, reserved_amount, locked_remaining, created_at, updated_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, o.ID, o.UserID, o.Pair, o.Type, o.Side, o.Quantity.String(), decimalPtrArg(o.LimitPrice),
		decimalPtrArg(o.StopPrice), o.FilledQuantity.String(), decimalPtrArg(o.AverageFillPrice),
		o.Status, o.FeeAccrued.String(), o.Source, o.SourceRef, o.ReservedCurrency,
		o.ReservedAmount.String(), o.LockedRemaining.String(), o.CreatedAt, o.UpdatedAt, o.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// LockOrder locks the order row for update to prevent concurrent modifications
func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "order "+id.String())
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET filled_quantity = $1, average_fill_price = $2, status = $3, fee_accrued = $4,
			reserved_amount = $5, locked_remaining = $6, updated_at = $7, executed_at = $8
		WHERE id = $9
	`, o.FilledQuantity.String(), decimalPtrArg(o.AverageFillPrice), o.Status, o.FeeAccrued.String(),
		o.ReservedAmount.String(), o.LockedRemaining.String(), o.UpdatedAt, o.ExecutedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, order_id, user_id, pair, side, quantity, price, fee, realized_pnl,
			sequence, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.OrderID, tr.UserID, tr.Pair, tr.Side, tr.Quantity.String(), tr.Price.String(),
		tr.Fee.String(), tr.RealizedPnL.String(), tr.Sequence, tr.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s/%d: %w", tr.OrderID, tr.Sequence, store.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID int, pair string) (*models.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE user_id = $1 AND pair = $2 FOR UPDATE",
		userID, pair))
	if err != nil {
		return nil, notFound(err, "position")
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *models.Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (user_id, pair, side, quantity, entry_price, realized_pnl, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, pair) DO UPDATE SET
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			opened_at = EXCLUDED.opened_at,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.Pair, p.Side, p.Quantity.String(), p.EntryPrice.String(), p.RealizedPnL.String(),
		p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, userID int, pair string) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM positions WHERE user_id = $1 AND pair = $2", userID, pair); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}
