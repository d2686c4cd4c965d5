package seed

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/memdb"
	"github.com/xtrntr/tradecore/internal/store"
)

func TestSeeder_RunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()
	logger, _ := test.NewNullLogger()
	s := New(db, auth.NewAuthService(db, "x", time.Hour), ledger.New(db, logger), logger)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Run(ctx, Pairs(), Users()))
	}

	pairs, err := db.ListPairs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, pairs, len(Pairs()))

	u, err := db.GetUserByUsername(ctx, "trader1")
	require.NoError(t, err)
	w, err := db.GetWallet(ctx, store.WalletKey{UserID: u.ID, Currency: "USDT"})
	require.NoError(t, err)
	assert.Equal(t, "100000", w.Available.String())

	txns, err := db.ListTransactions(ctx, u.ID, 100)
	require.NoError(t, err)
	assert.Len(t, txns, 3)
}

func TestPairs_Valid(t *testing.T) {
	for _, p := range Pairs() {
		assert.True(t, p.MinOrderSize.LessThan(p.MaxOrderSize), p.Symbol)
		assert.True(t, p.FeePercentage.IsPositive(), p.Symbol)
		assert.NotEqual(t, p.BaseCurrency, p.QuoteCurrency, p.Symbol)
	}
}
