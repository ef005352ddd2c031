// ABOUTME: Entry point for the standalone reasoner worker
// ABOUTME: Consumes reasoning_requested from Redis Streams and dispatches validated intents

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/config"
	"github.com/2389/intent-pipeline/internal/logging"
	"github.com/2389/intent-pipeline/internal/reason"
	"github.com/2389/intent-pipeline/internal/store"
)

// getConfigPath returns the path to the pipeline config file.
// Priority: PIPELINE_CONFIG env var > ./pipeline.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PIPELINE_CONFIG"); envPath != "" {
		return envPath
	}
	return "pipeline.yaml"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Bus.Driver != "redis" {
		return fmt.Errorf("bus driver %q: the memory driver runs all stages inside pipeline-api serve", cfg.Bus.Driver)
	}

	logger := logging.Setup(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Receipts.StaleThreshold)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rb, err := bus.NewRedisBus(cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, logger)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer rb.Close()

	reasoner := reason.NewReasoner(st, rb, cfg.Bus.Topics.Action, nil, logger)
	if err := rb.Subscribe(cfg.Bus.Topics.Reasoning, "reasoner", reasoner.Handle); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	logger.Info("pipeline-reasoner running",
		"topic", cfg.Bus.Topics.Reasoning,
		"redis_addr", cfg.Bus.Redis.Addr,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
