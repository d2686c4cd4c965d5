// Package store defines the persistence contract shared by the PostgreSQL
// and in-memory backends.
//
// All balance-affecting work happens inside InTx. Rows fetched through the
// Lock* methods stay exclusively locked until the transaction ends, so the
// caller may read-modify-write them safely. Callers that lock more than one
// wallet must do so in WalletKey order (see SortWalletKeys).
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/xtrntr/tradecore/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// WalletKey identifies a wallet row
type WalletKey struct {
	UserID   int
	Currency string
}

// Less orders keys by currency, then user id. This is the global lock order.
func (k WalletKey) Less(o WalletKey) bool {
	if k.Currency != o.Currency {
		return k.Currency < o.Currency
	}
	return k.UserID < o.UserID
}

// SortWalletKeys sorts keys into lock order and drops duplicates
func SortWalletKeys(keys []WalletKey) []WalletKey {
	out := append([]WalletKey(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	UserID   int
	Pair     string
	Statuses []models.OrderStatus
	Limit    int
}

// Tx is a unit of work holding row locks until commit or rollback.
type Tx interface {
	// LockWallet returns the wallet row locked for update, creating an empty
	// one if it does not exist yet.
	LockWallet(ctx context.Context, key WalletKey) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, w *models.Wallet) error

	// InsertTransaction appends a journal entry. It returns false, nil when an
	// entry with the same reference id already exists.
	InsertTransaction(ctx context.Context, t *models.Transaction) (bool, error)
	GetTransaction(ctx context.Context, referenceID string) (*models.Transaction, error)

	InsertOrder(ctx context.Context, o *models.Order) error
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	InsertTrade(ctx context.Context, t *models.Trade) error

	// LockPosition returns ErrNotFound when the user has no open position.
	LockPosition(ctx context.Context, userID int, pair string) (*models.Position, error)
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, userID int, pair string) error
}

// Store is the database of record.
type Store interface {
	// InTx runs fn in a transaction. fn returning an error rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	UpsertPair(ctx context.Context, p *models.Pair) error
	GetPair(ctx context.Context, symbol string) (*models.Pair, error)
	ListPairs(ctx context.Context, activeOnly bool) ([]models.Pair, error)

	GetWallet(ctx context.Context, key WalletKey) (*models.Wallet, error)
	ListWallets(ctx context.Context, userID int) ([]models.Wallet, error)

	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)
	ListTrades(ctx context.Context, userID int, orderID *uuid.UUID) ([]models.Trade, error)

	ListPositions(ctx context.Context, userID int) ([]models.Position, error)
	ListTransactions(ctx context.Context, userID int, limit int) ([]models.Transaction, error)

	Close(ctx context.Context) error
}
