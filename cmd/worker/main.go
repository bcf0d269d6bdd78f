// The worker process: one broker session for one account, commanded over
// stdin/stdout by the pool. All logging goes to stderr; stdout carries only
// protocol messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/ai/sentiment"
	"mt-trading-engine/internal/broker/bridge"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/logging"
	"mt-trading-engine/internal/orchestrator"
	"mt-trading-engine/internal/position"
	"mt-trading-engine/internal/trader"
	"mt-trading-engine/internal/vault"
	"mt-trading-engine/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to the config file")
		account    = flag.String("account", "", "account name to run")
	)
	flag.Parse()
	if *account == "" {
		fmt.Fprintln(os.Stderr, "worker: --account is required")
		os.Exit(2)
	}

	snap, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: config: %v\n", err)
		os.Exit(1)
	}
	profile, err := snap.ResolveAccount(*account)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logOpts := logging.Options{Output: "stderr"}
	if snap.File.Logging != nil {
		logOpts.Level = snap.File.Logging.Level
		logOpts.JSONFormat = snap.File.Logging.JSONFormat
	}
	log := logging.Setup(logOpts).With().Str("account", *account).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Vault-referenced passwords are resolved here, never written to disk.
	if vault.IsRef(profile.Password) {
		vc, err := vault.NewClient(snap.File.Vault)
		if err != nil {
			log.Fatal().Err(err).Msg("vault client failed")
		}
		password, err := vc.ResolvePassword(ctx, profile.Password)
		if err != nil {
			log.Fatal().Err(err).Msg("credential resolution failed")
		}
		profile.Password = password
	}

	var store database.Store
	if snap.File.Database != nil {
		db, err := database.New(ctx, *snap.File.Database, log)
		if err != nil {
			// The trading plane runs without persistence; reconciliation
			// will backfill once the database returns.
			log.Error().Err(err).Msg("database unavailable, running without persistence")
		} else {
			defer db.Close()
			store = database.NewRepository(db)
		}
	}

	var stateStore position.StateStore = position.NewMemoryStateStore()
	if snap.File.Redis != nil && snap.File.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     snap.File.Redis.Addr,
			Password: snap.File.Redis.Password,
			DB:       snap.File.Redis.DB,
		})
		stateStore = position.NewRedisStateStore(client, log)
	}

	var sentimentSource trader.SentimentSource
	if profile.Execution.UseSentiment && snap.File.AI != nil && snap.File.AI.SentimentEndpoint != "" {
		analyzer := sentiment.New(sentiment.DefaultConfig(snap.File.AI.SentimentEndpoint), log)
		go analyzer.Run(ctx)
		sentimentSource = analyzer
	}

	session := bridge.New(profile.BridgeURL, log)

	var w *worker.Worker
	orch := orchestrator.New(profile, session, store, stateStore, sentimentSource,
		func(ev events.Event) { w.EmitEvent(ev) }, log)
	w = worker.New(profile, session, orch, os.Stdin, os.Stdout, log)

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}
