package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/config"
	"github.com/xtrntr/tradecore/internal/db"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/logger"
	"github.com/xtrntr/tradecore/internal/store"
)

// adjustment is one operator deposit or withdrawal
type adjustment struct {
	Username  string
	Currency  string
	Amount    decimal.Decimal
	Reference string
	Withdraw  bool
}

func (a adjustment) validate() error {
	switch {
	case a.Username == "":
		return errors.New("user is required")
	case a.Currency == "":
		return errors.New("currency is required")
	case a.Reference == "":
		return errors.New("ref is required so the adjustment can be retried safely")
	case !a.Amount.IsPositive():
		return fmt.Errorf("amount %s must be positive", a.Amount)
	}
	return nil
}

// adjust applies a to the user's wallet and returns the resulting balance
func adjust(ctx context.Context, s store.Store, l *ledger.Ledger, a adjustment) (decimal.Decimal, error) {
	if err := a.validate(); err != nil {
		return decimal.Zero, err
	}
	u, err := s.GetUserByUsername(ctx, a.Username)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to find user %s: %w", a.Username, err)
	}
	currency := strings.ToUpper(a.Currency)
	if a.Withdraw {
		err = l.Withdraw(ctx, u.ID, currency, a.Amount, a.Reference)
	} else {
		err = l.Deposit(ctx, u.ID, currency, a.Amount, a.Reference)
	}
	if err != nil {
		return decimal.Zero, err
	}
	w, err := s.GetWallet(ctx, store.WalletKey{UserID: u.ID, Currency: currency})
	if err != nil {
		return decimal.Zero, err
	}
	return w.Available, nil
}

// Credit or debit a user's wallet from outside the exchange
func main() {
	configPath := flag.String("config", os.Getenv("TRADECORE_CONFIG"), "path to YAML config")
	var a adjustment
	var amount string
	flag.StringVar(&a.Username, "user", "", "username")
	flag.StringVar(&a.Currency, "currency", "", "currency code")
	flag.StringVar(&amount, "amount", "", "amount to move")
	flag.StringVar(&a.Reference, "ref", "", "unique reference id, reusing one makes the call a no-op")
	flag.BoolVar(&a.Withdraw, "withdraw", false, "withdraw instead of deposit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		log.WithError(err).Fatal("Invalid amount")
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatal("Wallet adjustments need the postgres driver")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close(ctx)

	balance, err := adjust(ctx, database, ledger.New(database, log), a)
	if err != nil {
		log.WithError(err).Fatal("Adjustment failed")
	}
	log.WithFields(logrus.Fields{
		"user":      a.Username,
		"currency":  strings.ToUpper(a.Currency),
		"available": balance.String(),
		"ref":       a.Reference,
	}).Info("Adjustment applied")
}
