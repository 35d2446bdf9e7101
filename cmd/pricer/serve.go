package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/pricing"
	"github.com/agatticelli/token-price-engine/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP price API",
	Long: `Starts the HTTP API, warms the native price and any configured tokens,
and serves until SIGINT or SIGTERM.

Endpoints:
  GET /v1/native-price
  GET /v1/chains/{chainID}/tokens/{address}/price
  GET /v1/chains/{chainID}/coins/{address}/price
  GET /health, /ready, /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	for _, pool := range a.rpcPools {
		pool.StartHealthChecks(ctx)
	}

	if cfg.Warmup.Enabled {
		warmer := cache.NewWarmer(a.logger, cache.WarmupConfig{
			Timeout:         cfg.Warmup.Timeout,
			Concurrency:     2,
			ContinueOnError: true,
		})
		warmer.RegisterProvider(a.native)
		if tokens := a.warmupTokens(ctx); len(tokens) > 0 {
			warmer.RegisterProvider(pricing.NewTokenWarmer(a.resolver, tokens))
		}
		warmer.Warmup(ctx)
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = a.metrics.Handler()
	}

	srv := server.New(server.Config{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Prices:       a.resolver,
		Native:       a.native,
		NativeSymbol: a.native.Symbol(),
		Providers:    a.healthProviders(),
		Metrics:      metricsHandler,
		Logger:       a.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.logger.LogError(ctx, "http server failed", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.LogWarnErr(shutdownCtx, "http server shutdown failed", err)
	}
	return nil
}
