// Command gateway runs the inference gateway: it admits requests against
// cached identity and budget state, routes them to backend engines, relays
// token streams, and emits usage records for metering.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/relaygrid/inference-gateway/internal/admission"
	"github.com/relaygrid/inference-gateway/internal/config"
	"github.com/relaygrid/inference-gateway/internal/gateway"
	"github.com/relaygrid/inference-gateway/internal/identity"
	"github.com/relaygrid/inference-gateway/internal/ledger"
	"github.com/relaygrid/inference-gateway/internal/modeldir"
	"github.com/relaygrid/inference-gateway/internal/monitoring"
	"github.com/relaygrid/inference-gateway/internal/relay"
	"github.com/relaygrid/inference-gateway/internal/router"
	"github.com/relaygrid/inference-gateway/internal/tasks"
	"github.com/relaygrid/inference-gateway/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func run(cfg *config.Config) error {
	metrics := monitoring.NewMetricsCollector()

	telemetry, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Telemetry.Enabled,
		LogPath:     cfg.Telemetry.LogPath,
		LogToStdout: cfg.Telemetry.LogToStdout,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = telemetry.Close() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	directory := identity.NewClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)

	pool := tasks.NewPool(config.DefaultWorkerCount, config.DefaultWorkerQueueSize)

	spool, err := usage.NewSpool(cfg.Metering.SpoolPath)
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	emitter := buildEmitter(cfg, spool, pool, metrics)
	defer func() { _ = emitter.Close() }()

	ctrl := admission.NewController(directory, store, pool, metrics, admission.Options{
		CredentialTTL:   cfg.Caches.CredentialTTL,
		BudgetTTL:       cfg.Caches.BudgetTTL,
		SweepInterval:   config.DefaultCacheSweepInterval,
		IdentityTimeout: cfg.Identity.Timeout,
		StoreTimeout:    cfg.Ledger.Timeout,
	})
	defer ctrl.Close()

	models := modeldir.New(store, cfg.Caches.ModelTTL, cfg.Caches.ModelRefreshInterval, metrics)
	defer models.Close()

	rt := router.New(models, router.NewEstimator(config.EstimateEncoding), cfg.Relay.ConnectTimeout, cfg.Relay.CallTimeout)
	rl := relay.New(cfg.Relay.BufferSize, cfg.Relay.DrainGracePeriod)

	gw := gateway.New(ctrl, rt, rl, emitter, metrics, telemetry)
	defer gw.Close()

	server := gateway.NewServer(gw, cfg.Server.Port,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout,
		cfg.Server.RateLimit, cfg.Server.RateBurst)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown: streams still open at deadline")
	}

	// Drain in-flight usage emissions before the process exits.
	if err := pool.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown: worker pool drain incomplete")
	}
	return nil
}

// openStore selects the state-store driver.
func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case "sqlite":
		store, err := ledger.OpenSQLite(cfg.Ledger.DSN, cfg.Ledger.Timeout)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		return store, nil
	case "http":
		return ledger.NewHTTPStore(cfg.Ledger.BaseURL, cfg.Ledger.Timeout), nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Ledger.Driver)
	}
}

// buildEmitter prefers the Redis-backed queue when configured; otherwise
// records are delivered in-process. Both fall back to the local spool.
func buildEmitter(cfg *config.Config, spool *usage.Spool, pool *tasks.Pool,
	metrics *monitoring.MetricsCollector) usage.Emitter {

	if cfg.Redis.Enabled {
		emitter, err := usage.NewQueueEmitter(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, spool, metrics, cfg.Metering.MaxRetries)
		if err == nil {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("usage emission via queue")
			return emitter
		}
		log.Warn().Err(err).Msg("queue unavailable, falling back to direct emission")
	}

	sink := usage.NewMeterClient(cfg.Metering.IngestURL, cfg.Metering.Timeout)
	return usage.NewDirectEmitter(sink, pool, spool, metrics,
		cfg.Metering.MaxRetries, cfg.Metering.RetryBackoff)
}

// setupLogging routes zerolog to a console writer on interactive terminals
// and JSON otherwise.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
}
