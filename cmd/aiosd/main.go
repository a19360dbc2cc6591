// aiosd is the demo daemon: it wires the kernel from config and serves the
// embedding surface over MCP stdio, with Prometheus metrics on the side.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	aios "github.com/broomva/aiOS"
	"github.com/broomva/aiOS/internal/config"
	"github.com/broomva/aiOS/internal/control"
	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/metrics"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to config file (JSON)")
	homeFlag := flag.String("home", "", "Kernel home directory (default: ~/.aios)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aiosd %s\n", Version)
		return
	}

	if err := run(*configPath, *homeFlag); err != nil {
		fmt.Fprintf(os.Stderr, "aiosd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, home string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if home != "" {
		cfg.Home = home
	}

	if err := logger.Init(filepath.Join(cfg.Home, "logs"), cfg.LogJSON); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	k, err := aios.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics + health endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Slog().Error("metrics server failed", "error", err)
		}
	}()

	logger.Slog().Info("aiosd started",
		"version", Version, "home", cfg.Home, "metrics_addr", cfg.MetricsAddr)

	server := control.NewServer(k, Version)
	serveErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := k.Close(shutdownCtx); err != nil {
		logger.Slog().Error("kernel shutdown failed", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
