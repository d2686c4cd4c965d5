// Package journal is the append-only record of every balance mutation.
//
// The reference id of an entry is its idempotency key: appending an entry
// whose reference already exists with the same payload reports "already
// applied" instead of failing, so a retried settlement becomes a no-op.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// ErrReferenceConflict means a reference id was reused for a different
// mutation. It is an invariant violation.
var ErrReferenceConflict = errors.New("reference id reused with different payload")

// Entry describes one balance mutation to record
type Entry struct {
	UserID    int
	Type      models.TransactionType
	Currency  string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Reference string
	OrderID   *uuid.UUID
}

// Append records e inside tx. It returns applied=false when the same entry
// was recorded before.
func Append(ctx context.Context, tx store.Tx, e Entry) (applied bool, err error) {
	if e.Reference == "" {
		return false, fmt.Errorf("journal entry without reference id")
	}
	now := time.Now().UTC()
	txn := &models.Transaction{
		ID:          uuid.New(),
		UserID:      e.UserID,
		Type:        e.Type,
		Currency:    e.Currency,
		Amount:      e.Amount,
		Fee:         e.Fee,
		Status:      models.TxCompleted,
		ReferenceID: e.Reference,
		OrderID:     e.OrderID,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	inserted, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return false, err
	}
	if inserted {
		return true, nil
	}

	existing, err := tx.GetTransaction(ctx, e.Reference)
	if err != nil {
		return false, fmt.Errorf("failed to load existing entry %s: %w", e.Reference, err)
	}
	if !sameEntry(existing, e) {
		return false, fmt.Errorf("%s: %w", e.Reference, ErrReferenceConflict)
	}
	return false, nil
}

func sameEntry(t *models.Transaction, e Entry) bool {
	return t.UserID == e.UserID &&
		t.Type == e.Type &&
		t.Currency == e.Currency &&
		t.Amount.Equal(e.Amount) &&
		t.Fee.Equal(e.Fee)
}

// Reference ids. Each names the order and the step so that a retried step
// maps to the same id.

func ReserveRef(orderID uuid.UUID) string {
	return "ORD-" + orderID.String() + "-RSV"
}

func TopUpRef(orderID uuid.UUID, seq int) string {
	return fmt.Sprintf("ORD-%s-F%d-TOPUP", orderID, seq)
}

func FillDebitRef(orderID uuid.UUID, seq int) string {
	return fmt.Sprintf("ORD-%s-F%d-DR", orderID, seq)
}

func FillCreditRef(orderID uuid.UUID, seq int) string {
	return fmt.Sprintf("ORD-%s-F%d-CR", orderID, seq)
}

func ResidualRef(orderID uuid.UUID) string {
	return "ORD-" + orderID.String() + "-RESIDUAL"
}

func CancelRef(orderID uuid.UUID) string {
	return "ORD-" + orderID.String() + "-CXL"
}

func RejectRef(orderID uuid.UUID) string {
	return "ORD-" + orderID.String() + "-REJ"
}
