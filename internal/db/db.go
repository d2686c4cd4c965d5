package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// InTx runs fn inside a read-committed transaction. Row locks taken through
// the Tx are released on commit or rollback.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create user: %w", store.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return user, nil
}

const pairColumns = `symbol, base_currency, quote_currency, market_type, min_order_size::text,
	max_order_size::text, fee_percentage::text, price_precision, quantity_precision, is_active`

func scanPair(row pgx.Row) (*models.Pair, error) {
	var p models.Pair
	var minSize, maxSize, fee string
	if err := row.Scan(&p.Symbol, &p.BaseCurrency, &p.QuoteCurrency, &p.MarketType, &minSize,
		&maxSize, &fee, &p.PricePrecision, &p.QuantityPrecision, &p.IsActive); err != nil {
		return nil, err
	}
	var err error
	if p.MinOrderSize, err = parseDecimal(minSize); err != nil {
		return nil, err
	}
	if p.MaxOrderSize, err = parseDecimal(maxSize); err != nil {
		return nil, err
	}
	if p.FeePercentage, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPair creates or replaces the trading rules for a symbol
func (db *DB) UpsertPair(ctx context.Context, p *models.Pair) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pairs (symbol, base_currency, quote_currency, market_type, min_order_size,
			max_order_size, fee_percentage, price_precision, quantity_precision, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol) DO UPDATE SET
			base_currency = EXCLUDED.base_currency,
			quote_currency = EXCLUDED.quote_currency,
			market_type = EXCLUDED.market_type,
			min_order_size = EXCLUDED.min_order_size,
			max_order_size = EXCLUDED.max_order_size,
			fee_percentage = EXCLUDED.fee_percentage,
			price_precision = EXCLUDED.price_precision,
			quantity_precision = EXCLUDED.quantity_precision,
			is_active = EXCLUDED.is_active
	`, p.Symbol, p.BaseCurrency, p.QuoteCurrency, p.MarketType, p.MinOrderSize.String(),
		p.MaxOrderSize.String(), p.FeePercentage.String(), p.PricePrecision, p.QuantityPrecision, p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert pair: %w", err)
	}
	return nil
}

// GetPair retrieves the trading rules for a symbol
func (db *DB) GetPair(ctx context.Context, symbol string) (*models.Pair, error) {
	p, err := scanPair(db.Pool.QueryRow(ctx, "SELECT "+pairColumns+" FROM pairs WHERE symbol = $1", symbol))
	if err != nil {
		return nil, notFound(err, "pair "+symbol)
	}
	return p, nil
}

// ListPairs retrieves all pairs ordered by symbol
func (db *DB) ListPairs(ctx context.Context, activeOnly bool) ([]models.Pair, error) {
	query := "SELECT " + pairColumns + " FROM pairs"
	if activeOnly {
		query += " WHERE is_active"
	}
	rows, err := db.Pool.Query(ctx, query+" ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, *p)
	}
	return pairs, rows.Err()
}

// GetWallet reads a wallet without locking it
func (db *DB) GetWallet(ctx context.Context, key store.WalletKey) (*models.Wallet, error) {
	w, err := scanWallet(db.Pool.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 AND currency = $2",
		key.UserID, key.Currency))
	if err != nil {
		return nil, notFound(err, "wallet")
	}
	return w, nil
}

// ListWallets retrieves all wallets of a user
func (db *DB) ListWallets(ctx context.Context, userID int) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 ORDER BY currency", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "order "+id.String())
	}
	return o, nil
}

// ListOrders retrieves orders matching f, oldest first
func (db *DB) ListOrders(ctx context.Context, f store.OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Pair != "" {
		args = append(args, f.Pair)
		where = append(where, fmt.Sprintf("pair = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListTrades retrieves a user's trades, optionally restricted to one order
func (db *DB) ListTrades(ctx context.Context, userID int, orderID *uuid.UUID) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE user_id = $1"
	args := []any{userID}
	if orderID != nil {
		query += " AND order_id = $2"
		args = append(args, *orderID)
	}
	rows, err := db.Pool.Query(ctx, query+" ORDER BY executed_at ASC, sequence ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// ListPositions retrieves a user's open positions
func (db *DB) ListPositions(ctx context.Context, userID int) ([]models.Position, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE user_id = $1 ORDER BY pair", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ListTransactions retrieves a user's journal, newest first
func (db *DB) ListTransactions(ctx context.Context, userID int, limit int) ([]models.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}
