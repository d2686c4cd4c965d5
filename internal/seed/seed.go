// Package seed loads demo pairs, users and balances.
package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Pairs is the default pair registry, one or more per asset class
func Pairs() []models.Pair {
	crypto := func(symbol, base string, min string) models.Pair {
		return models.Pair{
			Symbol: symbol, BaseCurrency: base, QuoteCurrency: "USDT", MarketType: models.MarketCrypto,
			MinOrderSize: d(min), MaxOrderSize: d("1000000"), FeePercentage: d("0.1"),
			PricePrecision: 2, QuantityPrecision: 6, IsActive: true,
		}
	}
	return []models.Pair{
		crypto("BTC/USDT", "BTC", "0.0001"),
		crypto("ETH/USDT", "ETH", "0.001"),
		crypto("SOL/USDT", "SOL", "0.01"),
		{Symbol: "EUR/USD", BaseCurrency: "EUR", QuoteCurrency: "USD", MarketType: models.MarketForex,
			MinOrderSize: d("1"), MaxOrderSize: d("10000000"), FeePercentage: d("0.01"),
			PricePrecision: 5, QuantityPrecision: 2, IsActive: true},
		{Symbol: "AAPL/USD", BaseCurrency: "AAPL", QuoteCurrency: "USD", MarketType: models.MarketStock,
			MinOrderSize: d("1"), MaxOrderSize: d("100000"), FeePercentage: d("0.05"),
			PricePrecision: 2, QuantityPrecision: 0, IsActive: true},
		{Symbol: "XAU/USD", BaseCurrency: "XAU", QuoteCurrency: "USD", MarketType: models.MarketCommodity,
			MinOrderSize: d("0.01"), MaxOrderSize: d("10000"), FeePercentage: d("0.05"),
			PricePrecision: 2, QuantityPrecision: 2, IsActive: true},
	}
}

// User is a demo account with opening balances
type User struct {
	Username string
	Password string
	Balances map[string]decimal.Decimal
}

// Users are the demo accounts
func Users() []User {
	return []User{
		{Username: "trader1", Password: "password123", Balances: map[string]decimal.Decimal{
			"USDT": d("100000"), "USD": d("100000"), "BTC": d("1"),
		}},
		{Username: "trader2", Password: "password123", Balances: map[string]decimal.Decimal{
			"USDT": d("50000"), "USD": d("50000"), "ETH": d("10"),
		}},
	}
}

// Seeder writes the demo data. Running it twice changes nothing.
type Seeder struct {
	store  store.Store
	auth   *auth.AuthService
	ledger *ledger.Ledger
	log    logrus.FieldLogger
}

func New(s store.Store, a *auth.AuthService, l *ledger.Ledger, log logrus.FieldLogger) *Seeder {
	return &Seeder{store: s, auth: a, ledger: l, log: log.WithField("component", "seed")}
}

// Run upserts pairs, registers users that do not exist yet and deposits
// their opening balances under fixed references
func (s *Seeder) Run(ctx context.Context, pairs []models.Pair, users []User) error {
	for i := range pairs {
		if err := s.store.UpsertPair(ctx, &pairs[i]); err != nil {
			return fmt.Errorf("failed to upsert pair %s: %w", pairs[i].Symbol, err)
		}
	}
	s.log.WithField("pairs", len(pairs)).Info("Pairs seeded")

	for _, u := range users {
		id, err := s.user(ctx, u)
		if err != nil {
			return err
		}
		for currency, amount := range u.Balances {
			ref := fmt.Sprintf("SEED-%s-%s", u.Username, currency)
			if err := s.ledger.Deposit(ctx, id, currency, amount, ref); err != nil {
				return fmt.Errorf("failed to fund %s with %s: %w", u.Username, currency, err)
			}
		}
		s.log.WithFields(logrus.Fields{"user_id": id, "username": u.Username}).Info("User seeded")
	}
	return nil
}

func (s *Seeder) user(ctx context.Context, u User) (int, error) {
	created, err := s.auth.Register(ctx, u.Username, u.Password)
	if err == nil {
		return created.ID, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return 0, fmt.Errorf("failed to register %s: %w", u.Username, err)
	}
	existing, err := s.store.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", u.Username, err)
	}
	return existing.ID, nil
}
