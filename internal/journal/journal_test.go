package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradecore/internal/memdb"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

func appendOnce(t *testing.T, db *memdb.DB, e Entry) (bool, error) {
	t.Helper()
	var applied bool
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		applied, err = Append(ctx, tx, e)
		return err
	})
	return applied, err
}

func TestAppend(t *testing.T) {
	orderID := uuid.New()
	entry := Entry{
		UserID:    1,
		Type:      models.TxReserve,
		Currency:  "USD",
		Amount:    decimal.RequireFromString("900.9"),
		Fee:       decimal.Zero,
		Reference: ReserveRef(orderID),
		OrderID:   &orderID,
	}

	tests := []struct {
		name        string
		entry       Entry
		wantApplied bool
		wantErr     error
	}{
		{name: "FirstAppend", entry: entry, wantApplied: true},
		{name: "SameEntryReplayed", entry: entry, wantApplied: false},
		{
			name: "SameReferenceDifferentAmount",
			entry: func() Entry {
				e := entry
				e.Amount = decimal.RequireFromString("1")
				return e
			}(),
			wantErr: ErrReferenceConflict,
		},
	}

	db := memdb.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := appendOnce(t, db, tt.entry)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, applied)
		})
	}

	txns, err := db.ListTransactions(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxCompleted, txns[0].Status)
	assert.NotNil(t, txns[0].CompletedAt)
}

func TestAppend_RequiresReference(t *testing.T) {
	_, err := appendOnce(t, memdb.New(), Entry{UserID: 1, Type: models.TxDeposit, Currency: "USD"})
	assert.Error(t, err)
}

func TestReferencesAreDistinct(t *testing.T) {
	id := uuid.New()
	refs := []string{
		ReserveRef(id), TopUpRef(id, 1), FillDebitRef(id, 1), FillCreditRef(id, 1),
		FillDebitRef(id, 2), ResidualRef(id), CancelRef(id), RejectRef(id),
	}
	seen := make(map[string]bool)
	for _, r := range refs {
		assert.False(t, seen[r], "duplicate reference %s", r)
		seen[r] = true
		assert.LessOrEqual(t, len(r), 100)
	}
}
