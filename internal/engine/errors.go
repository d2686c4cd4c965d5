package engine

import (
	"context"
	"errors"

	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/store"
)

var (
	ErrInvalidOrder        = errors.New("invalid order")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrMissingPrice        = errors.New("missing price")
	ErrUnknownPair         = errors.New("unknown or inactive pair")
	ErrMarketClosed        = errors.New("market closed")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order not cancellable")
	ErrOrderNotOpen        = errors.New("order not open")
	ErrNotTriggered        = errors.New("order not triggered")
)

// Category groups errors by how a caller should react
type Category string

const (
	CategoryPrecondition Category = "precondition"
	CategoryExecution    Category = "execution"
	CategoryNotFound     Category = "not_found"
	CategoryConflict     Category = "conflict"
	CategorySystem       Category = "system"
)

var classes = []struct {
	err  error
	cat  Category
	code string
}{
	{ErrInvalidOrder, CategoryPrecondition, "invalid_order"},
	{ErrInvalidQuantity, CategoryPrecondition, "invalid_quantity"},
	{ErrMissingPrice, CategoryPrecondition, "missing_price"},
	{ErrUnknownPair, CategoryPrecondition, "unknown_pair"},
	{ErrMarketClosed, CategoryPrecondition, "market_closed"},
	{ledger.ErrInsufficientFunds, CategoryPrecondition, "insufficient_funds"},
	{ledger.ErrInvalidAmount, CategoryPrecondition, "invalid_amount"},
	{ErrNotTriggered, CategoryExecution, "not_triggered"},
	{market.ErrDataUnavailable, CategoryExecution, "market_data_unavailable"},
	{context.DeadlineExceeded, CategoryExecution, "timeout"},
	{ErrOrderNotFound, CategoryNotFound, "order_not_found"},
	{store.ErrNotFound, CategoryNotFound, "not_found"},
	{ErrOrderNotCancellable, CategoryConflict, "order_not_cancellable"},
	{ErrOrderNotOpen, CategoryConflict, "order_not_open"},
	{store.ErrAlreadyExists, CategoryConflict, "already_exists"},
	{ledger.ErrInvariantViolation, CategorySystem, "invariant_violation"},
}

// Classify maps err onto a Category and a stable machine-readable code.
// Unrecognized errors are system errors.
func Classify(err error) (Category, string) {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.cat, c.code
		}
	}
	return CategorySystem, "system_error"
}

// Retryable reports whether the order should stay open so a later sweep can
// try again
func Retryable(err error) bool {
	return errors.Is(err, market.ErrDataUnavailable) ||
		errors.Is(err, ErrNotTriggered) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// rejects reports whether a fill failure is terminal for the order
func rejects(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrInvariantViolation)
}
