package main

import (
	"context"
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/config"
	"github.com/xtrntr/tradecore/internal/db"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/logger"
	"github.com/xtrntr/tradecore/internal/seed"
)

// Seed the database with demo pairs, users and balances
func main() {
	configPath := flag.String("config", os.Getenv("TRADECORE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatal("Seeding needs the postgres driver; the in-memory store seeds itself on start")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close(ctx)

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	s := seed.New(database, authService, ledger.New(database, log), log)
	if err := s.Run(ctx, seed.Pairs(), seed.Users()); err != nil {
		log.WithError(err).Fatal("Seeding failed")
	}
	log.Info("Seeding complete")
}
