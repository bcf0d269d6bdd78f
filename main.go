// The pool process: loads the config, supervises one worker process per
// account and serves the control-plane API. Workers are separate binaries
// (cmd/worker) so one crashing account never takes the fleet down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"mt-trading-engine/config"
	"mt-trading-engine/internal/api"
	"mt-trading-engine/internal/database"
	"mt-trading-engine/internal/events"
	"mt-trading-engine/internal/logging"
	"mt-trading-engine/internal/pool"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to the config file")
		workerBin  = flag.String("worker-bin", "", "path to the worker binary (default: mt-worker beside this binary)")
	)
	flag.Parse()

	snap, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logOpts := logging.Options{}
	if snap.File.Logging != nil {
		logOpts = logging.Options{
			Level:      snap.File.Logging.Level,
			JSONFormat: snap.File.Logging.JSONFormat,
			Output:     snap.File.Logging.Output,
		}
	}
	log := logging.Setup(logOpts)
	log.Info().Str("config", *configPath).Int("accounts", len(snap.AccountNames())).Msg("starting pool")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Current snapshot, swapped by the file watcher.
	var current atomic.Pointer[config.Snapshot]
	current.Store(snap)

	var store database.Store
	if snap.File.Database != nil {
		db, err := database.New(ctx, *snap.File.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("database connect failed")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		store = database.NewRepository(db)
		log.Info().Msg("database ready")
	}

	bus := events.NewBus()

	binary := *workerBin
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot locate own binary")
		}
		binary = filepath.Join(filepath.Dir(self), "mt-worker")
	}
	poolMgr := pool.NewManager(&pool.ExecLauncher{Binary: binary, ConfigPath: *configPath}, bus, log)

	var server *api.Server
	if snap.File.API != nil {
		server = api.NewServer(api.ServerConfig{
			Listen:         snap.File.API.Listen,
			JWTSecret:      snap.File.API.JWTSecret,
			ProductionMode: true,
		}, poolMgr, bus, store, func() *config.Snapshot { return current.Load() }, log)
		go func() {
			if err := server.Run(); err != nil {
				log.Error().Err(err).Msg("api server stopped")
				cancel()
			}
		}()
	}

	// Hot reload: push fresh profiles into running workers; accounts added
	// or removed in the file take effect via explicit connect/disconnect.
	watcher := config.NewWatcher(*configPath, log)
	go func() {
		err := watcher.Run(ctx,
			func(next *config.Snapshot) {
				current.Store(next)
				if server != nil {
					server.ClearOverrides()
				}
				for _, account := range poolMgr.Accounts() {
					profile, err := next.ResolveAccount(account)
					if err != nil {
						log.Warn().Str("account", account).Err(err).Msg("account gone from config, worker keeps old profile")
						continue
					}
					rctx, rcancel := context.WithTimeout(ctx, 15*time.Second)
					if err := poolMgr.ReloadProfile(rctx, profile); err != nil {
						log.Warn().Str("account", account).Err(err).Msg("profile push failed")
					}
					rcancel()
				}
				log.Info().Msg("config reloaded")
			},
			func(err error) {
				log.Error().Err(err).Msg("config reload rejected, keeping previous snapshot")
			},
		)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	if failures := poolMgr.StartAll(ctx, snap); len(failures) > 0 {
		for account, err := range failures {
			log.Error().Str("account", account).Err(err).Msg("worker did not start")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	poolMgr.StopAll(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown failed")
		}
	}
	log.Info().Msg("bye")
}
