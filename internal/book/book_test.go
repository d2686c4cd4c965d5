package book

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

func px(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func limit(side models.Side, price, qty string, at time.Time) models.Order {
	return models.Order{
		ID:         uuid.New(),
		Pair:       "BTC/USD",
		Type:       models.OrderLimit,
		Side:       side,
		LimitPrice: px(price),
		Quantity:   decimal.RequireFromString(qty),
		Status:     models.StatusOpen,
		CreatedAt:  at,
	}
}

func TestBook_AddOrder(t *testing.T) {
	b := NewBook("BTC/USD")
	now := time.Now()

	buys := []models.Order{
		limit(models.SideBuy, "50000", "0.1", now.Add(-time.Second)),
		limit(models.SideBuy, "51000", "0.2", now),
		limit(models.SideBuy, "50000", "0.3", now.Add(time.Second)),
	}
	for _, o := range buys {
		b.AddOrder(o)
	}

	if len(b.BuyOrders) != 3 {
		t.Fatalf("expected 3 buy orders, got %d", len(b.BuyOrders))
	}
	// Verify price-time priority sorting
	if !b.BuyOrders[0].LimitPrice.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("expected highest price first, got %s", b.BuyOrders[0].LimitPrice)
	}
	if b.BuyOrders[1].ID != buys[0].ID {
		t.Error("buy orders with same price not sorted by time")
	}

	sells := []models.Order{
		limit(models.SideSell, "52000", "0.1", now.Add(-time.Second)),
		limit(models.SideSell, "51000", "0.2", now),
		limit(models.SideSell, "52000", "0.3", now.Add(time.Second)),
	}
	for _, o := range sells {
		b.AddOrder(o)
	}
	if !b.SellOrders[0].LimitPrice.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("expected lowest price first, got %s", b.SellOrders[0].LimitPrice)
	}
	if b.SellOrders[1].ID != sells[0].ID {
		t.Error("sell orders with same price not sorted by time")
	}

	// market orders jump the queue, terminal orders never rest
	mkt := models.Order{ID: uuid.New(), Type: models.OrderMarket, Side: models.SideBuy, Status: models.StatusOpen, CreatedAt: now.Add(time.Hour)}
	b.AddOrder(mkt)
	if b.BuyOrders[0].ID != mkt.ID {
		t.Error("market order not first in priority")
	}
	filled := limit(models.SideBuy, "60000", "1", now)
	filled.Status = models.StatusFilled
	b.AddOrder(filled)
	if b.Len() != 7 {
		t.Errorf("expected 7 resting orders, got %d", b.Len())
	}
}

func TestBook_Triggered(t *testing.T) {
	now := time.Now()
	stop := models.Order{
		ID: uuid.New(), Pair: "BTC/USD", Type: models.OrderStopLoss, Side: models.SideSell,
		StopPrice: px("800"), Quantity: decimal.NewFromInt(1), Status: models.StatusOpen, CreatedAt: now,
	}
	orders := []models.Order{
		limit(models.SideBuy, "900", "1", now.Add(time.Second)),
		limit(models.SideBuy, "950", "1", now),
		limit(models.SideBuy, "850", "1", now),
		limit(models.SideSell, "1000", "1", now),
		stop,
	}
	books := FromOrders(orders)
	b := books["BTC/USD"]
	if b == nil || b.Len() != 5 {
		t.Fatalf("expected one book with 5 orders")
	}

	tests := []struct {
		name   string
		ticker market.Ticker
		expect []string // limit or stop prices in execution order
	}{
		{"NothingCrosses", market.Ticker{Bid: decimal.NewFromInt(890), Ask: decimal.NewFromInt(960)}, nil},
		{"BestBidFirst", market.Ticker{Bid: decimal.NewFromInt(880), Ask: decimal.NewFromInt(900)}, []string{"950", "900"}},
		{"StopFires", market.Ticker{Bid: decimal.NewFromInt(790), Ask: decimal.NewFromInt(1100)}, []string{"800"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Triggered(tt.ticker)
			if len(got) != len(tt.expect) {
				t.Fatalf("expected %d triggered orders, got %d", len(tt.expect), len(got))
			}
			for i, o := range got {
				if p := bookPrice(&o); p.String() != tt.expect[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.expect[i], p)
				}
			}
		})
	}
}

func TestBook_RemoveOrder(t *testing.T) {
	b := NewBook("BTC/USD")
	buy := limit(models.SideBuy, "50000", "0.1", time.Now())
	sell := limit(models.SideSell, "51000", "0.2", time.Now())
	b.AddOrder(buy)
	b.AddOrder(sell)

	tests := []struct {
		name          string
		orderID       uuid.UUID
		expectRemoved bool
	}{
		{"RemoveBuyOrder", buy.ID, true},
		{"RemoveSellOrder", sell.ID, true},
		{"NonExistentOrder", uuid.New(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed := b.RemoveOrder(tt.orderID)
			if removed != tt.expectRemoved {
				t.Errorf("expected removed=%v, got %v", tt.expectRemoved, removed)
			}
			for _, o := range append(b.BuyOrders, b.SellOrders...) {
				if o.ID == tt.orderID {
					t.Errorf("order %s still in book", tt.orderID)
				}
			}
		})
	}
}

func TestBook_GetOrderBook(t *testing.T) {
	b := NewBook("BTC/USD")
	now := time.Now()
	partial := limit(models.SideBuy, "50000", "1", now.Add(time.Second))
	partial.FilledQuantity = decimal.RequireFromString("0.4")
	partial.Status = models.StatusPartiallyFilled

	for _, o := range []models.Order{
		limit(models.SideBuy, "50000", "0.1", now),
		partial,
		limit(models.SideBuy, "49000", "0.3", now),
		limit(models.SideSell, "51000", "0.2", now),
		{ID: uuid.New(), Type: models.OrderStopLoss, Side: models.SideSell, StopPrice: px("45000"),
			Quantity: decimal.NewFromInt(1), Status: models.StatusOpen},
	} {
		b.AddOrder(o)
	}

	depth := b.GetOrderBook()
	if len(depth.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(depth.Bids))
	}
	if len(depth.Asks) != 1 {
		t.Fatalf("expected 1 ask level (stops hidden), got %d", len(depth.Asks))
	}
	top := depth.Bids[0]
	if top.Price.String() != "50000" || top.Quantity.String() != "0.7" || top.Orders != 2 {
		t.Errorf("unexpected top bid level %+v", top)
	}
	if depth.Bids[0].Price.LessThan(depth.Bids[1].Price) {
		t.Error("bids not sorted by price (highest first)")
	}
}

func TestBook_GetOrderBook_StopAtSamePrice(t *testing.T) {
	b := NewBook("BTC/USD")
	now := time.Now()
	b.AddOrder(limit(models.SideBuy, "50000", "0.1", now))
	b.AddOrder(models.Order{ID: uuid.New(), Type: models.OrderStopLoss, Side: models.SideBuy, StopPrice: px("50000"),
		Quantity: decimal.NewFromInt(1), Status: models.StatusOpen, CreatedAt: now.Add(time.Second)})
	b.AddOrder(limit(models.SideBuy, "50000", "0.2", now.Add(2*time.Second)))

	depth := b.GetOrderBook()
	if len(depth.Bids) != 1 {
		t.Fatalf("expected 1 bid level, got %d", len(depth.Bids))
	}
	if depth.Bids[0].Quantity.String() != "0.3" || depth.Bids[0].Orders != 2 {
		t.Errorf("unexpected bid level %+v", depth.Bids[0])
	}
}
