package book

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
)

// Book holds the open orders of one pair in price-time priority
type Book struct {
	Pair       string
	BuyOrders  []models.Order
	SellOrders []models.Order
}

// NewBook creates an empty book
func NewBook(pair string) *Book {
	return &Book{
		Pair:       pair,
		BuyOrders:  []models.Order{},
		SellOrders: []models.Order{},
	}
}

// FromOrders builds one book per pair from open orders
func FromOrders(orders []models.Order) map[string]*Book {
	books := make(map[string]*Book)
	for _, o := range orders {
		b, ok := books[o.Pair]
		if !ok {
			b = NewBook(o.Pair)
			books[o.Pair] = b
		}
		b.AddOrder(o)
	}
	return books
}

// bookPrice is the price an order rests at. Market orders have none.
func bookPrice(o *models.Order) *decimal.Decimal {
	if o.LimitPrice != nil {
		return o.LimitPrice
	}
	return o.StopPrice
}

// ahead reports whether a has priority over b. Unpriced orders come first,
// then the better price, then the earlier order.
func ahead(a, b *models.Order, higherFirst bool) bool {
	pa, pb := bookPrice(a), bookPrice(b)
	switch {
	case pa == nil && pb != nil:
		return true
	case pa != nil && pb == nil:
		return false
	case pa != nil && !pa.Equal(*pb):
		if higherFirst {
			return pa.GreaterThan(*pb)
		}
		return pa.LessThan(*pb)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// AddOrder inserts an order. Orders that can no longer fill are ignored.
func (b *Book) AddOrder(o models.Order) {
	if !o.Status.Fillable() {
		return
	}
	if o.Side == models.SideBuy {
		b.BuyOrders = append(b.BuyOrders, o)
		// Sort buy orders: highest price first, then earliest time
		sort.SliceStable(b.BuyOrders, func(i, j int) bool {
			return ahead(&b.BuyOrders[i], &b.BuyOrders[j], true)
		})
	} else {
		b.SellOrders = append(b.SellOrders, o)
		// Sort sell orders: lowest price first, then earliest time
		sort.SliceStable(b.SellOrders, func(i, j int) bool {
			return ahead(&b.SellOrders[i], &b.SellOrders[j], false)
		})
	}
}

// RemoveOrder drops an order from the book, reporting whether it was there
func (b *Book) RemoveOrder(id uuid.UUID) bool {
	for _, side := range []*[]models.Order{&b.BuyOrders, &b.SellOrders} {
		for i, o := range *side {
			if o.ID == id {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len is the number of resting orders
func (b *Book) Len() int {
	return len(b.BuyOrders) + len(b.SellOrders)
}

// Triggered returns the orders executable against t, buys before sells,
// each side in priority order
func (b *Book) Triggered(t market.Ticker) []models.Order {
	var out []models.Order
	for _, side := range [][]models.Order{b.BuyOrders, b.SellOrders} {
		for i := range side {
			if _, ok := engine.Triggered(&side[i], t); ok {
				out = append(out, side[i])
			}
		}
	}
	return out
}

// Level is the aggregate of resting orders at one price
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is the aggregated view of a book
type Depth struct {
	Pair string  `json:"pair"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// GetOrderBook aggregates resting limit orders by price. Stop orders are
// not visible.
func (b *Book) GetOrderBook() Depth {
	return Depth{
		Pair: b.Pair,
		Bids: levels(b.BuyOrders),
		Asks: levels(b.SellOrders),
	}
}

func levels(orders []models.Order) []Level {
	out := []Level{}
	for _, o := range orders {
		if o.Type != models.OrderLimit {
			continue
		}
		qty := o.Remaining()
		if n := len(out); n > 0 && out[n-1].Price.Equal(*o.LimitPrice) {
			out[n-1].Quantity = out[n-1].Quantity.Add(qty)
			out[n-1].Orders++
			continue
		}
		out = append(out, Level{Price: *o.LimitPrice, Quantity: qty, Orders: 1})
	}
	return out
}
