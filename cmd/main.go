package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/poly-trader/internal/autotrade"
	"github.com/amirphl/poly-trader/internal/config"
	"github.com/amirphl/poly-trader/internal/db"
	"github.com/amirphl/poly-trader/internal/exchange"
	"github.com/amirphl/poly-trader/internal/feed"
	"github.com/amirphl/poly-trader/internal/notifier"
	"github.com/amirphl/poly-trader/internal/registry"
)

func main() {
	cfg := config.Load()
	log.Println("Starting Poly Trader")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Storage: postgres when configured, in-memory otherwise.
	var storage db.Storage
	if cfg.DBConnStr != "" {
		pg, err := db.Open(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.GetDB().Close()
		storage = pg
	} else {
		log.Println("DB_CONN_STR not set, using in-memory storage")
		storage = db.NewMemoryStorage()
	}
	journaler := db.JournalAdapter{Storage: storage}

	var n notifier.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	}

	clob := exchange.NewCLOBClient(cfg.RESTURL, cfg.DataAPIURL, exchange.Credentials{
		APIKey:     cfg.APIKey,
		Secret:     cfg.APISecret,
		Passphrase: cfg.APIPassphrase,
		Address:    cfg.OwnerAddress,
	}, n)

	auth := feed.Auth{
		APIKey:     cfg.APIKey,
		Secret:     cfg.APISecret,
		Passphrase: cfg.APIPassphrase,
	}

	reg := registry.New(ctx, registry.Collaborators{
		OpenOrders: clob,
		Positions:  clob,
		Owner:      cfg.OwnerAddress,
		NewMarketConn: func(assets []string, handlers feed.MarketHandlers) registry.MarketConn {
			return feed.NewMarketFeed(cfg.MarketWSURL, assets, handlers)
		},
		NewUserConn: func(handlers feed.UserHandlers) registry.UserConn {
			return feed.NewUserFeed(cfg.UserWSURL, auth, nil, handlers)
		},
		Books:    clob,
		Journal:  journaler,
		Notifier: n,
	})

	engine := autotrade.New(ctx, reg, clob, cfg.EngineInterval)
	for _, pair := range cfg.Pairs {
		for _, assetID := range pair.Assets {
			if s, ok := pair.Settings(assetID); ok {
				reg.SetAssetMeta(assetID, registry.AssetMeta{
					Slug:        pair.Slug,
					Question:    pair.Question,
					Outcome:     s.Outcome,
					GameStartAt: pair.GameStartAt,
				})
			}
		}
		if err := engine.SetPair(pair); err != nil {
			log.Fatalf("Failed to admit pair %s: %v", pair.PairKey, err)
		}
		log.Printf("Main | Pair admitted (pair=%s strategy=%s assets=%v)", pair.PairKey, pair.Strategy, pair.Assets)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Printf("Main | Metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Main | Metrics server failed: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down")
	engine.Stop()

	// Pull resting quotes so nothing fills unattended after exit.
	cancelCtx, cancelAllCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := clob.CancelAllOrders(cancelCtx); err != nil {
		log.Printf("Main | Cancel-all on shutdown failed: %v", err)
	}
	cancelAllCancel()

	for _, pair := range cfg.Pairs {
		for _, assetID := range pair.Assets {
			reg.Release(assetID)
		}
	}
}
