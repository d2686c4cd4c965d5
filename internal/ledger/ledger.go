// Package ledger owns every mutation of wallet balances.
//
// Each operation locks the wallet row, journals exactly one transaction and
// applies the balance change inside the caller's store.Tx. An operation whose
// reference id is already journaled is skipped, which makes retries safe.
// Balances are never allowed to go negative: a reservation that does not fit
// fails with ErrInsufficientFunds, and releasing or consuming more than is
// locked fails with ErrInvariantViolation, aborting the enclosing transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/journal"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Op is one balance mutation on one wallet
type Op struct {
	UserID    int
	Currency  string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Reference string
	OrderID   *uuid.UUID
	// Type overrides the journal type recorded for the operation
	Type models.TransactionType
}

func (op Op) key() store.WalletKey {
	return store.WalletKey{UserID: op.UserID, Currency: op.Currency}
}

// Ledger applies balance mutations
type Ledger struct {
	store store.Store
	log   logrus.FieldLogger
}

// New creates a ledger over s
func New(s store.Store, log logrus.FieldLogger) *Ledger {
	return &Ledger{store: s, log: log.WithField("component", "ledger")}
}

// Reserve moves amount from available to locked
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, op Op) error {
	return l.apply(ctx, tx, op, models.TxReserve, func(w *models.Wallet) error {
		if w.Available.LessThan(op.Amount) {
			return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds, op.Amount, op.Currency, w.Available)
		}
		w.Available = w.Available.Sub(op.Amount)
		w.Locked = w.Locked.Add(op.Amount)
		return nil
	})
}

// Release moves amount from locked back to available
func (l *Ledger) Release(ctx context.Context, tx store.Tx, op Op) error {
	return l.apply(ctx, tx, op, models.TxRelease, func(w *models.Wallet) error {
		if w.Locked.LessThan(op.Amount) {
			return fmt.Errorf("%w: release %s %s exceeds locked %s", ErrInvariantViolation, op.Amount, op.Currency, w.Locked)
		}
		w.Locked = w.Locked.Sub(op.Amount)
		w.Available = w.Available.Add(op.Amount)
		return nil
	})
}

// SettleDebit consumes previously locked funds
func (l *Ledger) SettleDebit(ctx context.Context, tx store.Tx, op Op) error {
	return l.apply(ctx, tx, op, models.TxTradeDebit, func(w *models.Wallet) error {
		if w.Locked.LessThan(op.Amount) {
			return fmt.Errorf("%w: debit %s %s exceeds locked %s", ErrInvariantViolation, op.Amount, op.Currency, w.Locked)
		}
		w.Locked = w.Locked.Sub(op.Amount)
		return nil
	})
}

// SettleCredit adds funds straight to available
func (l *Ledger) SettleCredit(ctx context.Context, tx store.Tx, op Op) error {
	return l.apply(ctx, tx, op, models.TxTradeCredit, func(w *models.Wallet) error {
		w.Available = w.Available.Add(op.Amount)
		return nil
	})
}

// Settle applies a debit and a credit as one unit. Both wallets are locked
// up front in store lock order so opposite-direction settlements cannot
// deadlock. Any failure leaves both wallets untouched once the caller's
// transaction rolls back.
func (l *Ledger) Settle(ctx context.Context, tx store.Tx, debit, credit Op) error {
	for _, k := range store.SortWalletKeys([]store.WalletKey{debit.key(), credit.key()}) {
		if _, err := tx.LockWallet(ctx, k); err != nil {
			return err
		}
	}
	if err := l.SettleDebit(ctx, tx, debit); err != nil {
		return err
	}
	return l.SettleCredit(ctx, tx, credit)
}

// Deposit credits external funds to a wallet in its own transaction
func (l *Ledger) Deposit(ctx context.Context, userID int, currency string, amount decimal.Decimal, reference string) error {
	op := Op{UserID: userID, Currency: currency, Amount: amount, Reference: reference}
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.apply(ctx, tx, op, models.TxDeposit, func(w *models.Wallet) error {
			w.Available = w.Available.Add(amount)
			return nil
		})
	})
}

// Withdraw removes available funds from a wallet in its own transaction
func (l *Ledger) Withdraw(ctx context.Context, userID int, currency string, amount decimal.Decimal, reference string) error {
	op := Op{UserID: userID, Currency: currency, Amount: amount, Reference: reference}
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.apply(ctx, tx, op, models.TxWithdrawal, func(w *models.Wallet) error {
			if w.Available.LessThan(amount) {
				return fmt.Errorf("%w: withdraw %s %s, have %s", ErrInsufficientFunds, amount, currency, w.Available)
			}
			w.Available = w.Available.Sub(amount)
			return nil
		})
	})
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, op Op, kind models.TransactionType, mutate func(*models.Wallet) error) error {
	if !op.Amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, op.Amount)
	}
	for _, d := range []decimal.Decimal{op.Amount, op.Fee} {
		if !d.Equal(d.Truncate(models.AmountScale)) {
			return fmt.Errorf("%w: %s exceeds %d decimal places", ErrInvalidAmount, d, models.AmountScale)
		}
	}
	if op.Type != "" {
		kind = op.Type
	}
	log := l.log.WithFields(logrus.Fields{
		"user_id":      op.UserID,
		"currency":     op.Currency,
		"amount":       op.Amount.String(),
		"reference_id": op.Reference,
		"type":         kind,
	})

	w, err := tx.LockWallet(ctx, op.key())
	if err != nil {
		return err
	}

	applied, err := journal.Append(ctx, tx, journal.Entry{
		UserID:    op.UserID,
		Type:      kind,
		Currency:  op.Currency,
		Amount:    op.Amount,
		Fee:       op.Fee,
		Reference: op.Reference,
		OrderID:   op.OrderID,
	})
	if err != nil {
		if errors.Is(err, journal.ErrReferenceConflict) {
			log.WithError(err).Error("Reference id reused for a different mutation")
			return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		return err
	}
	if !applied {
		log.Debug("Ledger operation already applied, skipping")
		return nil
	}

	if err := mutate(w); err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			log.WithError(err).Error("Ledger invariant violated")
		}
		return err
	}
	if w.Available.IsNegative() || w.Locked.IsNegative() {
		err := fmt.Errorf("%w: wallet %d/%s would become available=%s locked=%s",
			ErrInvariantViolation, w.UserID, w.Currency, w.Available, w.Locked)
		log.WithError(err).Error("Ledger invariant violated")
		return err
	}
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}

	log.Debug("Ledger operation applied")
	return nil
}
