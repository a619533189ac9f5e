// Command meterworker drains the Redis-backed usage queue and delivers
// records to the metering collaborator. Run it alongside gateways that have
// queued emission enabled.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaygrid/inference-gateway/internal/config"
	"github.com/relaygrid/inference-gateway/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	concurrency := flag.Int("concurrency", 10, "worker concurrency")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if !cfg.Redis.Enabled {
		fmt.Fprintln(os.Stderr, "redis.enabled must be true to run the meter worker")
		os.Exit(1)
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, asynq.Config{
		Concurrency: *concurrency,
		Queues:      map[string]int{usage.QueueName: 1},
	})

	sink := usage.NewMeterClient(cfg.Metering.IngestURL, cfg.Metering.Timeout)

	mux := asynq.NewServeMux()
	mux.Handle(usage.TaskTypeIngest, usage.NewIngestHandler(sink))

	log.Info().Str("redis", cfg.Redis.Addr).Str("ingest", cfg.Metering.IngestURL).
		Msg("meter worker starting")
	if err := srv.Run(mux); err != nil {
		log.Fatal().Err(err).Msg("meter worker exited")
	}
}
