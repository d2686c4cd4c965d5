// Package position maintains per-user, per-pair open exposure derived from
// settled trades.
package position

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// Tracker updates positions inside the settling transaction
type Tracker struct {
	log logrus.FieldLogger
}

// NewTracker creates a position tracker
func NewTracker(log logrus.FieldLogger) *Tracker {
	return &Tracker{log: log.WithField("component", "position")}
}

// Fill is one settled trade as seen by the tracker
type Fill struct {
	UserID   int
	Pair     string
	Side     models.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}

func sideOf(s models.Side) models.PositionSide {
	if s == models.SideBuy {
		return models.PositionLong
	}
	return models.PositionShort
}

// ApplyFill folds f into the user's position for the pair and returns the
// P&L realized by the fill. Same-side fills average the entry price;
// opposite-side fills reduce the position and, if larger, flip it.
func (t *Tracker) ApplyFill(ctx context.Context, tx store.Tx, f Fill) (decimal.Decimal, error) {
	side := sideOf(f.Side)

	pos, err := tx.LockPosition(ctx, f.UserID, f.Pair)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, tx.SavePosition(ctx, &models.Position{
			UserID:     f.UserID,
			Pair:       f.Pair,
			Side:       side,
			Quantity:   f.Quantity,
			EntryPrice: f.Price,
			OpenedAt:   f.At,
			UpdatedAt:  f.At,
		})
	}
	if err != nil {
		return decimal.Zero, err
	}

	if pos.Side == side {
		total := pos.Quantity.Add(f.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(f.Price.Mul(f.Quantity)).Div(total)
		pos.Quantity = total
		pos.UpdatedAt = f.At
		return decimal.Zero, tx.SavePosition(ctx, pos)
	}

	closing := decimal.Min(f.Quantity, pos.Quantity)
	realized := f.Price.Sub(pos.EntryPrice).Mul(closing)
	if pos.Side == models.PositionShort {
		realized = realized.Neg()
	}
	remaining := pos.Quantity.Sub(closing)
	excess := f.Quantity.Sub(closing)

	t.log.WithFields(logrus.Fields{
		"user_id":  f.UserID,
		"pair":     f.Pair,
		"closed":   closing.String(),
		"realized": realized.String(),
	}).Debug("Position reduced")

	switch {
	case remaining.IsPositive():
		pos.Quantity = remaining
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.UpdatedAt = f.At
		err = tx.SavePosition(ctx, pos)
	case excess.IsPositive():
		err = tx.SavePosition(ctx, &models.Position{
			UserID:     f.UserID,
			Pair:       f.Pair,
			Side:       side,
			Quantity:   excess,
			EntryPrice: f.Price,
			OpenedAt:   f.At,
			UpdatedAt:  f.At,
		})
	default:
		err = tx.DeletePosition(ctx, f.UserID, f.Pair)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// Valuation is a position marked to a current price
type Valuation struct {
	models.Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Value marks p at mark. Nothing is stored.
func Value(p models.Position, mark decimal.Decimal) Valuation {
	return Valuation{Position: p, MarkPrice: mark, UnrealizedPnL: p.UnrealizedPnL(mark)}
}
