// Queue processor service: polls the durable request queue, dispatches
// batch fulfillment transactions through a pool of relayer accounts, and
// verifies the on-chain outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zamaoracle/vrf-fulfiller/internal/chainclient"
	"github.com/zamaoracle/vrf-fulfiller/internal/config"
	"github.com/zamaoracle/vrf-fulfiller/internal/processor"
	"github.com/zamaoracle/vrf-fulfiller/internal/queuestore"
	"github.com/zamaoracle/vrf-fulfiller/internal/randsrc"
	"github.com/zamaoracle/vrf-fulfiller/internal/relayerpool"
	"github.com/zamaoracle/vrf-fulfiller/internal/util"
)

func main() {
	pollIntervalSeconds := flag.Float64("poll-interval", 1.0, "queue poll interval in seconds")
	migrate := flag.Bool("migrate", false, "apply the pending_requests schema before starting")
	flag.Parse()

	logger := util.InitLogger()
	util.UpdateLogLevel(logger)
	logger.Info().Msg("starting vrf queue processor")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Info().
		Str("rpc_url", cfg.RPCURL).
		Int("relayer_count", len(cfg.RelayerPrivateKeys)).
		Str("scheduler", string(cfg.RelayerScheduler)).
		Int("batch_size", cfg.BatchSize).
		Str("bebe_address", cfg.BEBEAddress.Hex()).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queuestore.Connect(ctx, cfg.DatabaseURL, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue store")
	}
	defer store.Close()

	if *migrate {
		if err := store.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	var accounts []relayerpool.Account
	var clients []*chainclient.ChainClient
	for i, key := range cfg.RelayerPrivateKeys {
		cc, err := chainclient.Dial(ctx, cfg.RPCURL, key, cfg.RelayerMinGasWei, cfg.BEBEAddress, *logger)
		if err != nil {
			logger.Fatal().Err(err).Int("relayer_index", i).Msg("failed to dial relayer account")
		}
		clients = append(clients, cc)
		accounts = append(accounts, cc)
	}
	defer func() {
		for _, cc := range clients {
			cc.Close()
		}
	}()

	pool, err := relayerpool.New(accounts, cfg.RelayerScheduler, cfg.RelayerPendingThreshold, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build relayer pool")
	}
	logger.Info().Int("relayers", pool.Len()).Msg("relayer pool ready")

	procCfg := processor.DefaultConfig()
	procCfg.PollInterval = config.PollInterval(*pollIntervalSeconds)
	procCfg.MaxBatchSize = cfg.BatchSize

	proc := processor.New(store, pool, randsrc.New(), procCfg, *logger)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{
		Addr:    cfg.HealthAddress,
		Handler: http.HandlerFunc(healthCheckHandler(ctx, store, pool)),
	}
	go func() {
		logger.Info().Str("address", cfg.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Run(ctx, 30*time.Second)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("processor exited unexpectedly")
		}
	}

	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler reports queue depth and relayer pool size. It does not
// block on chain RPC calls, so it stays responsive even if an upstream
// endpoint is degraded.
func healthCheckHandler(ctx context.Context, store queuestore.Store, pool *relayerpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := store.PendingCount(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v\n", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\npending: %d\nrelayers: %d\n", pending, pool.Len())
	}
}
