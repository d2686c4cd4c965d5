// Package sweeper periodically executes resting orders whose trigger
// conditions are met and retries market orders left open by a quote outage.
package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/tradecore/internal/book"
	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

// Executor is the part of the engine the sweeper drives
type Executor interface {
	Quote(ctx context.Context, pair string) (market.Ticker, error)
	ExecuteFillAt(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal, t market.Ticker) (*models.Order, error)
}

// Config controls sweep cadence
type Config struct {
	Interval time.Duration
	// Concurrency caps how many pairs are swept at once
	Concurrency int
}

// Result counts what one sweep did
type Result struct {
	Pairs   int
	Checked int
	Filled  int
	Failed  int
	Skipped int // pairs without a quote
}

// Sweeper walks open orders pair by pair
type Sweeper struct {
	store store.Store
	exec  Executor
	cfg   Config
	log   logrus.FieldLogger
}

// New creates a sweeper
func New(s store.Store, exec Executor, cfg Config, log logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{store: s, exec: exec, cfg: cfg, log: log.WithField("component", "sweeper")}
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.WithField("interval", s.cfg.Interval).Info("Sweeper started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.WithError(err).Error("Sweep failed")
				continue
			}
			if res.Filled > 0 || res.Failed > 0 {
				s.log.WithFields(logrus.Fields{
					"pairs":   res.Pairs,
					"checked": res.Checked,
					"filled":  res.Filled,
					"failed":  res.Failed,
					"skipped": res.Skipped,
				}).Info("Sweep finished")
			}
		}
	}
}

// Sweep runs one pass. One quote is fetched per pair and triggered orders
// are filled in book priority. Per-order failures are logged and counted;
// only a failure to list orders aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	orders, err := s.store.ListOrders(ctx, store.OrderFilter{
		Statuses: []models.OrderStatus{models.StatusOpen, models.StatusPartiallyFilled},
	})
	if err != nil {
		return Result{}, err
	}

	books := book.FromOrders(orders)
	pairs := make([]string, 0, len(books))
	for p := range books {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	var checked, filled, failed, skipped int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, pair := range pairs {
		b := books[pair]
		g.Go(func() error {
			log := s.log.WithField("pair", b.Pair)
			t, err := s.exec.Quote(gctx, b.Pair)
			if err != nil {
				atomic.AddInt64(&skipped, 1)
				log.WithError(err).Warn("No quote, skipping pair")
				return nil
			}

			for _, o := range b.Triggered(t) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				atomic.AddInt64(&checked, 1)
				_, err := s.exec.ExecuteFillAt(gctx, o.ID, decimal.Zero, t)
				switch {
				case err == nil:
					atomic.AddInt64(&filled, 1)
				case errors.Is(err, engine.ErrNotTriggered), errors.Is(err, engine.ErrOrderNotOpen):
					// raced with a cancel or an earlier fill
					log.WithError(err).WithField("order_id", o.ID).Debug("Order skipped")
				default:
					atomic.AddInt64(&failed, 1)
					log.WithError(err).WithField("order_id", o.ID).Error("Failed to execute order")
				}
			}
			return nil
		})
	}

	err = g.Wait()
	return Result{
		Pairs:   len(pairs),
		Checked: int(checked),
		Filled:  int(filled),
		Failed:  int(failed),
		Skipped: int(skipped),
	}, err
}
