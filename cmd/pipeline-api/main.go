// ABOUTME: Entry point for the pipeline ingress API server
// ABOUTME: Serves HTTP, publishes reasoning events, and hosts all stages in memory-bus mode

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/config"
	"github.com/2389/intent-pipeline/internal/execute"
	"github.com/2389/intent-pipeline/internal/ingress"
	"github.com/2389/intent-pipeline/internal/logging"
	"github.com/2389/intent-pipeline/internal/reason"
	"github.com/2389/intent-pipeline/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _       _             _             _            _ _
(_)_ __ | |_ ___ _ __ | |_     _ __ (_)_ __   ___| (_)_ __   ___
| | '_ \| __/ _ \ '_ \| __|___| '_ \| | '_ \ / _ \ | | '_ \ / _ \
| | | | | ||  __/ | | | ||____| |_) | | |_) |  __/ | | | | |  __/
|_|_| |_|\__\___|_| |_|\__|   | .__/|_| .__/ \___|_|_|_| |_|\___|
                              |_|     |_|
`

// getConfigPath returns the path to the pipeline config file.
// Priority: PIPELINE_CONFIG env var > ./pipeline.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PIPELINE_CONFIG"); envPath != "" {
		return envPath
	}
	return "pipeline.yaml"
}

// loadConfig loads the config file, falling back to built-in defaults when
// no file exists. An explicitly named file must load.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); err != nil {
		if os.Getenv("PIPELINE_CONFIG") != "" {
			return nil, path, fmt.Errorf("config file %s: %w", path, err)
		}
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: pipeline-api <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the ingress API server")
		fmt.Println("  health  Check API health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Bus:      %s\n", cfg.Bus.Driver)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Receipts.StaleThreshold)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var pub bus.Publisher
	switch cfg.Bus.Driver {
	case "memory":
		// Single-process mode: all three stages share one in-memory bus.
		mb := bus.NewMemoryBus(logger)
		defer mb.Close()

		reasoner := reason.NewReasoner(st, mb, cfg.Bus.Topics.Action, nil, logger)
		if err := mb.Subscribe(cfg.Bus.Topics.Reasoning, "reasoner", reasoner.Handle); err != nil {
			return fmt.Errorf("subscribing reasoner: %w", err)
		}
		executor := execute.NewExecutor(st, nil, logger)
		if err := mb.Subscribe(cfg.Bus.Topics.Action, "executor", executor.Handle); err != nil {
			return fmt.Errorf("subscribing executor: %w", err)
		}
		logger.Info("memory bus selected, running all stages in-process")
		pub = mb
	case "redis":
		rb, err := bus.NewRedisBus(cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, logger)
		if err != nil {
			return fmt.Errorf("connecting bus: %w", err)
		}
		defer rb.Close()
		pub = rb
	default:
		return fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}

	server := ingress.NewServer(st, pub, cfg.Bus.Topics.Reasoning, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pipeline-api",
			"config", configPath,
			"http_addr", cfg.Server.HTTPAddr,
			"bus_driver", cfg.Bus.Driver,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
