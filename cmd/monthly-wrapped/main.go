// Command monthly-wrapped runs the Monthly Wrapped listen tracker: a web
// server for login and stats, and a background poller that merges each
// user's recently-played feed into their listen ledger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arashn/go-monthly-wrapped/internal/auth"
	"github.com/arashn/go-monthly-wrapped/internal/config"
	"github.com/arashn/go-monthly-wrapped/internal/db"
	"github.com/arashn/go-monthly-wrapped/internal/logging"
	"github.com/arashn/go-monthly-wrapped/internal/metrics"
	"github.com/arashn/go-monthly-wrapped/internal/poller"
	"github.com/arashn/go-monthly-wrapped/internal/spotify"
	"github.com/arashn/go-monthly-wrapped/internal/web"
	"github.com/arashn/go-monthly-wrapped/internal/wrapped"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.LogLevel, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	authenticator := auth.NewAuthenticator(cfg.SpotifyID, cfg.SpotifySecret, cfg.RedirectURL)
	refresher := auth.NewRefresher(cfg.SpotifyID, cfg.SpotifySecret, database.Tokens())
	feedClient := spotify.NewFeedClient()

	pollSvc := poller.New(
		database.Users(),
		database.Tokens(),
		database.Ledger(),
		feedClient,
		refresher,
		m,
		log.With().Str("component", "poller").Logger(),
		poller.WithLimit(cfg.PollLimit),
		poller.WithConcurrency(cfg.PollConcurrency),
	)

	wrappedSvc := wrapped.New(
		database.Ledger(),
		database.Wrapped(),
		log.With().Str("component", "wrapped").Logger(),
		wrapped.WithTopN(cfg.WrappedTopN),
		wrapped.WithLedgerReset(cfg.WrappedResetLedger),
	)

	go pollSvc.Run(ctx, cfg.PollInterval)

	server := web.NewServer(web.ServerConfig{
		Addr:     cfg.Addr,
		Auth:     authenticator,
		DB:       database,
		Poller:   pollSvc,
		Wrapped:  wrappedSvc,
		Registry: registry,
		Log:      log.With().Str("component", "web").Logger(),
	})

	return server.Run()
}
