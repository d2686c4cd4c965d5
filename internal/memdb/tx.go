package memdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// tx buffers writes until commit. Reads see the transaction's own writes
// first, then committed state.
type tx struct {
	db   *DB
	held map[string]*rowLock

	wallets   map[store.WalletKey]models.Wallet
	orders    map[uuid.UUID]models.Order
	newOrders []uuid.UUID
	trades    []models.Trade
	positions map[positionKey]*models.Position // nil marks a delete
	txns      []models.Transaction
	txnRefs   map[string]int
}

var _ store.Tx = (*tx)(nil)

func newTx(db *DB) *tx {
	return &tx{
		db:        db,
		held:      make(map[string]*rowLock),
		wallets:   make(map[store.WalletKey]models.Wallet),
		orders:    make(map[uuid.UUID]models.Order),
		positions: make(map[positionKey]*models.Position),
		txnRefs:   make(map[string]int),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.db.rowLock(key)
	select {
	case l.ch <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to lock %s: %w", key, ctx.Err())
	}
}

func (t *tx) releaseLocks() {
	for key, l := range t.held {
		<-l.ch
		delete(t.held, key)
	}
}

func (t *tx) commit() {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()

	for k, w := range t.wallets {
		db.wallets[k] = w
	}
	for id, o := range t.orders {
		db.orders[id] = o
	}
	db.orderSeq = append(db.orderSeq, t.newOrders...)
	db.trades = append(db.trades, t.trades...)
	for k, p := range t.positions {
		if p == nil {
			delete(db.positions, k)
			continue
		}
		db.positions[k] = *p
	}
	for _, txn := range t.txns {
		db.txnByRef[txn.ReferenceID] = len(db.txns)
		db.txns = append(db.txns, txn)
	}
}

func walletLockKey(k store.WalletKey) string {
	return fmt.Sprintf("wallet:%s:%d", k.Currency, k.UserID)
}

func (t *tx) LockWallet(ctx context.Context, key store.WalletKey) (*models.Wallet, error) {
	if err := t.lock(ctx, walletLockKey(key)); err != nil {
		return nil, err
	}
	if w, ok := t.wallets[key]; ok {
		return &w, nil
	}

	t.db.mu.RLock()
	w, ok := t.db.wallets[key]
	t.db.mu.RUnlock()
	if !ok {
		now := time.Now().UTC()
		w = models.Wallet{UserID: key.UserID, Currency: key.Currency, CreatedAt: now, UpdatedAt: now}
		t.wallets[key] = w
	}
	return &w, nil
}

func (t *tx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	key := store.WalletKey{UserID: w.UserID, Currency: w.Currency}
	if _, ok := t.held[walletLockKey(key)]; !ok {
		return fmt.Errorf("wallet %d/%s updated without lock", w.UserID, w.Currency)
	}
	t.wallets[key] = *w
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error) {
	if err := t.lock(ctx, "txn:"+txn.ReferenceID); err != nil {
		return false, err
	}
	if _, ok := t.txnRefs[txn.ReferenceID]; ok {
		return false, nil
	}
	t.db.mu.RLock()
	_, exists := t.db.txnByRef[txn.ReferenceID]
	t.db.mu.RUnlock()
	if exists {
		return false, nil
	}
	t.txnRefs[txn.ReferenceID] = len(t.txns)
	t.txns = append(t.txns, *txn)
	return true, nil
}

func (t *tx) GetTransaction(ctx context.Context, referenceID string) (*models.Transaction, error) {
	if i, ok := t.txnRefs[referenceID]; ok {
		txn := t.txns[i]
		return &txn, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	i, ok := t.db.txnByRef[referenceID]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", referenceID, store.ErrNotFound)
	}
	txn := t.db.txns[i]
	return &txn, nil
}

func orderLockKey(id uuid.UUID) string {
	return "order:" + id.String()
}

func (t *tx) InsertOrder(ctx context.Context, o *models.Order) error {
	if err := t.lock(ctx, orderLockKey(o.ID)); err != nil {
		return err
	}
	t.db.mu.RLock()
	_, exists := t.db.orders[o.ID]
	t.db.mu.RUnlock()
	if _, pending := t.orders[o.ID]; exists || pending {
		return fmt.Errorf("order %s: %w", o.ID, store.ErrAlreadyExists)
	}
	t.orders[o.ID] = *o
	t.newOrders = append(t.newOrders, o.ID)
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if err := t.lock(ctx, orderLockKey(id)); err != nil {
		return nil, err
	}
	if o, ok := t.orders[id]; ok {
		return &o, nil
	}
	t.db.mu.RLock()
	o, ok := t.db.orders[id]
	t.db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := t.held[orderLockKey(o.ID)]; !ok {
		return fmt.Errorf("order %s updated without lock", o.ID)
	}
	t.orders[o.ID] = *o
	return nil
}

func (t *tx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

func positionLockKey(k positionKey) string {
	return fmt.Sprintf("position:%d:%s", k.userID, k.pair)
}

func (t *tx) LockPosition(ctx context.Context, userID int, pair string) (*models.Position, error) {
	k := positionKey{userID: userID, pair: pair}
	if err := t.lock(ctx, positionLockKey(k)); err != nil {
		return nil, err
	}
	if p, ok := t.positions[k]; ok {
		if p == nil {
			return nil, fmt.Errorf("position %d/%s: %w", userID, pair, store.ErrNotFound)
		}
		cp := *p
		return &cp, nil
	}
	t.db.mu.RLock()
	p, ok := t.db.positions[k]
	t.db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("position %d/%s: %w", userID, pair, store.ErrNotFound)
	}
	return &p, nil
}

func (t *tx) SavePosition(ctx context.Context, p *models.Position) error {
	k := positionKey{userID: p.UserID, pair: p.Pair}
	if err := t.lock(ctx, positionLockKey(k)); err != nil {
		return err
	}
	cp := *p
	t.positions[k] = &cp
	return nil
}

func (t *tx) DeletePosition(ctx context.Context, userID int, pair string) error {
	k := positionKey{userID: userID, pair: pair}
	if err := t.lock(ctx, positionLockKey(k)); err != nil {
		return err
	}
	t.positions[k] = nil
	return nil
}
