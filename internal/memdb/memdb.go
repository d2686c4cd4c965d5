// Package memdb is an in-memory implementation of store.Store.
//
// It keeps the same locking contract as the PostgreSQL backend: rows touched
// through Lock* are held exclusively by one transaction until it commits or
// rolls back, and writes become visible to others only on commit. It backs
// the dry-run server mode and the package tests.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

type positionKey struct {
	userID int
	pair   string
}

// DB holds committed state plus the row lock table
type DB struct {
	mu          sync.RWMutex
	users       map[int]models.User
	usersByName map[string]int
	nextUserID  int
	pairs       map[string]models.Pair
	wallets     map[store.WalletKey]models.Wallet
	orders      map[uuid.UUID]models.Order
	orderSeq    []uuid.UUID
	trades      []models.Trade
	positions   map[positionKey]models.Position
	txns        []models.Transaction
	txnByRef    map[string]int

	locksMu sync.Mutex
	locks   map[string]*rowLock
}

var _ store.Store = (*DB)(nil)

// New returns an empty database
func New() *DB {
	return &DB{
		users:       make(map[int]models.User),
		usersByName: make(map[string]int),
		pairs:       make(map[string]models.Pair),
		wallets:     make(map[store.WalletKey]models.Wallet),
		orders:      make(map[uuid.UUID]models.Order),
		positions:   make(map[positionKey]models.Position),
		txnByRef:    make(map[string]int),
		locks:       make(map[string]*rowLock),
	}
}

// rowLock is a mutex whose acquisition can be abandoned on context cancel
type rowLock struct {
	ch chan struct{}
}

func (db *DB) rowLock(key string) *rowLock {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	l, ok := db.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		db.locks[key] = l
	}
	return l
}

// InTx runs fn in a transaction
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	t := newTx(db)
	defer t.releaseLocks()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.commit()
	return nil
}

// Close is a no-op
func (db *DB) Close(ctx context.Context) error {
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.usersByName[username]; ok {
		return nil, fmt.Errorf("failed to create user: %w", store.ErrAlreadyExists)
	}
	db.nextUserID++
	u := models.User{
		ID:           db.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	db.users[u.ID] = u
	db.usersByName[username] = u.ID
	return &u, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.usersByName[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", store.ErrNotFound)
	}
	u := db.users[id]
	return &u, nil
}

// UpsertPair creates or replaces a pair
func (db *DB) UpsertPair(ctx context.Context, p *models.Pair) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pairs[p.Symbol] = *p
	return nil
}

// GetPair retrieves a pair by symbol
func (db *DB) GetPair(ctx context.Context, symbol string) (*models.Pair, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("pair %s: %w", symbol, store.ErrNotFound)
	}
	return &p, nil
}

// ListPairs returns pairs sorted by symbol
func (db *DB) ListPairs(ctx context.Context, activeOnly bool) ([]models.Pair, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var pairs []models.Pair
	for _, p := range db.pairs {
		if activeOnly && !p.IsActive {
			continue
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Symbol < pairs[j].Symbol })
	return pairs, nil
}

// GetWallet returns a committed wallet snapshot
func (db *DB) GetWallet(ctx context.Context, key store.WalletKey) (*models.Wallet, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	w, ok := db.wallets[key]
	if !ok {
		return nil, fmt.Errorf("wallet %d/%s: %w", key.UserID, key.Currency, store.ErrNotFound)
	}
	return &w, nil
}

// ListWallets returns a user's wallets sorted by currency
func (db *DB) ListWallets(ctx context.Context, userID int) ([]models.Wallet, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var wallets []models.Wallet
	for k, w := range db.wallets {
		if k.UserID == userID {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Currency < wallets[j].Currency })
	return wallets, nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	o, ok := db.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

// ListOrders returns matching orders, oldest first
func (db *DB) ListOrders(ctx context.Context, f store.OrderFilter) ([]models.Order, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var orders []models.Order
	for _, id := range db.orderSeq {
		o := db.orders[id]
		if f.UserID != 0 && o.UserID != f.UserID {
			continue
		}
		if f.Pair != "" && o.Pair != f.Pair {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, o.Status) {
			continue
		}
		orders = append(orders, o)
		if f.Limit > 0 && len(orders) == f.Limit {
			break
		}
	}
	return orders, nil
}

func hasStatus(statuses []models.OrderStatus, s models.OrderStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// ListTrades returns a user's trades, optionally for one order
func (db *DB) ListTrades(ctx context.Context, userID int, orderID *uuid.UUID) ([]models.Trade, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var trades []models.Trade
	for _, t := range db.trades {
		if userID != 0 && t.UserID != userID {
			continue
		}
		if orderID != nil && t.OrderID != *orderID {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ListPositions returns a user's open positions
func (db *DB) ListPositions(ctx context.Context, userID int) ([]models.Position, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var positions []models.Position
	for k, p := range db.positions {
		if k.userID == userID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Pair < positions[j].Pair })
	return positions, nil
}

// ListTransactions returns a user's journal entries, newest first
func (db *DB) ListTransactions(ctx context.Context, userID int, limit int) ([]models.Transaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var txns []models.Transaction
	for i := len(db.txns) - 1; i >= 0; i-- {
		if db.txns[i].UserID != userID {
			continue
		}
		txns = append(txns, db.txns[i])
		if limit > 0 && len(txns) == limit {
			break
		}
	}
	return txns, nil
}
