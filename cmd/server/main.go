package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/tradecore/internal/api"
	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/bot"
	"github.com/xtrntr/tradecore/internal/config"
	"github.com/xtrntr/tradecore/internal/db"
	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/logger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/memdb"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/position"
	"github.com/xtrntr/tradecore/internal/seed"
	"github.com/xtrntr/tradecore/internal/store"
	"github.com/xtrntr/tradecore/internal/sweeper"
)

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory store, state is lost on exit")
		return memdb.New(), nil
	}
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := database.Pool.Ping(ctx); err != nil {
		database.Close(ctx)
		return nil, err
	}
	return database, nil
}

// pairClasses caches pair asset classes for the quote cache TTLs
type pairClasses struct {
	mu      sync.RWMutex
	classes map[string]models.MarketType
}

func (p *pairClasses) load(ctx context.Context, s store.Store) error {
	pairs, err := s.ListPairs(ctx, false)
	if err != nil {
		return err
	}
	classes := make(map[string]models.MarketType, len(pairs))
	for _, pair := range pairs {
		classes[pair.Symbol] = pair.MarketType
	}
	p.mu.Lock()
	p.classes = classes
	p.mu.Unlock()
	return nil
}

func (p *pairClasses) classOf(pair string) models.MarketType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.classes[pair]
}

func newProvider(ctx context.Context, cfg *config.Config, s store.Store, log logrus.FieldLogger) (market.Provider, error) {
	if cfg.Market.Provider == "static" {
		static := market.NewStaticProvider()
		for symbol, q := range cfg.Market.Static {
			static.SetQuote(symbol, q.Bid, q.Ask)
		}
		return static, nil
	}
	classes := &pairClasses{}
	if err := classes.load(ctx, s); err != nil {
		return nil, err
	}
	inner := market.NewHTTPProvider(cfg.HTTPProvider(), log)
	return market.NewCachedProvider(inner, classes.classOf, cfg.Cache()), nil
}

func main() {
	configPath := flag.String("config", os.Getenv("TRADECORE_CONFIG"), "path to YAML config")
	demo := flag.Bool("seed", false, "load demo pairs, users and balances on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open store")
	}
	defer s.Close(context.Background())

	l := ledger.New(s, log)
	authService := auth.NewAuthService(s, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *demo || cfg.Database.Driver == "memory" {
		if err := seed.New(s, authService, l, log).Run(ctx, seed.Pairs(), seed.Users()); err != nil {
			log.WithError(err).Fatal("Failed to seed")
		}
	}

	provider, err := newProvider(ctx, cfg, s, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up market data")
	}
	calendar, err := cfg.Calendar()
	if err != nil {
		log.WithError(err).Fatal("Invalid market calendar")
	}

	eng := engine.New(s, l, position.NewTracker(log), provider, log,
		engine.WithCalendar(calendar),
		engine.WithMarketTimeout(cfg.Market.Timeout),
	)

	var bots []*bot.Bot
	for _, bc := range cfg.BotConfigs() {
		b, err := bot.New(bc, eng, provider, s, log)
		if err != nil {
			log.WithError(err).Fatal("Invalid bot")
		}
		bots = append(bots, b)
	}

	handler := api.NewHandler(s, eng, provider, authService, log)
	hub := api.NewHub(s, provider, nil, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, hub, cfg.HTTP.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.New(s, eng, cfg.Sweeper(), log).Run(gctx)
	})
	g.Go(func() error {
		return hub.Run(gctx, 5*time.Second)
	})
	for _, b := range bots {
		b := b
		g.Go(func() error { return b.Run(gctx) })
	}
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	log.Info("Server stopped")
}
