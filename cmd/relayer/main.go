// Package main is the entry point for the vm31 relayer. It loads
// configuration, wires the store, batch queue, prover pipeline, tree syncer,
// and HTTP ingress, and coordinates them through the service registry.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitsage/vm31-relayer/internal/api"
	"github.com/bitsage/vm31-relayer/internal/bridge"
	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/internal/events"
	"github.com/bitsage/vm31-relayer/internal/prover"
	"github.com/bitsage/vm31-relayer/internal/queue"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/internal/treesync"
	"github.com/bitsage/vm31-relayer/internal/zkp"
	"github.com/bitsage/vm31-relayer/pkg/config"
	"github.com/bitsage/vm31-relayer/pkg/health"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
	"github.com/bitsage/vm31-relayer/pkg/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[vm31-relayer] configuration error: %v\n", err)
		os.Exit(1)
	}

	// Release builds refuse to run with permissive CORS
	if cfg.IsProduction() && len(cfg.Server.AllowedOrigins) == 0 {
		fmt.Fprintln(os.Stderr, "[vm31-relayer] FATAL: VM31_ALLOWED_ORIGINS must be set in production")
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Env,
	})

	_, eciesEnabled := cfg.RelayerPrivateKey()
	_, storageEncrypted := cfg.StorageKey()
	logger.Info("starting vm31-relayer",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"batch_max_size", cfg.Batch.MaxSize,
		"batch_timeout_secs", cfg.Batch.TimeoutSecs,
		"min_batch_size", cfg.Batch.MinBatchSize,
		"max_batch_wait_secs", cfg.Batch.MaxWaitSecs,
		"redis", cfg.Storage.RedisURL != "",
		"ecies", eciesEnabled,
		"encrypted_storage", storageEncrypted,
		"plaintext_allowed", cfg.Auth.AllowPlaintext,
		"origins", len(cfg.Server.AllowedOrigins),
	)

	metricsCollector := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: cfg.Log.ServiceName,
	})
	healthRegistry := health.NewRegistry(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uptimeDone := make(chan struct{})
	metricsCollector.RecordUptime(uptimeDone)
	defer close(uptimeDone)

	// Shared store: Redis when configured, in-memory otherwise
	st := buildStore(ctx, cfg, logger, healthRegistry)

	// Batch queue and its delivery channel
	q, batches := queue.New(queue.Config{
		MaxSize:       cfg.Batch.MaxSize,
		Timeout:       time.Duration(cfg.Batch.TimeoutSecs) * time.Second,
		MinBatchSize:  cfg.Batch.MinBatchSize,
		MaxWait:       time.Duration(cfg.Batch.MaxWaitSecs) * time.Second,
		ChannelBuffer: 32,
	}, logger, metricsCollector)

	// Chain collaborators
	poolClient := chain.NewRPCPoolClient(cfg.Starknet.RPCURL, cfg.Starknet.PoolContract)
	invoker := chain.NewSncastInvoker(cfg.Starknet.Account, cfg.Starknet.RPCURL)
	relayerFlow := chain.NewRelayer(invoker, cfg.Starknet.VerifierContract, cfg.Starknet.PoolContract, cfg.Batch.ChunkSize, logger)
	bridgeService := bridge.New(invoker, cfg.Starknet.BridgeContract, logger, metricsCollector)

	healthRegistry.Register("chain-rpc", health.DependencyChecker("chain-rpc", func(ctx context.Context) error {
		return poolClient.Ping(ctx)
	}))

	// Optional batch lifecycle events
	var publisher *events.Publisher
	if cfg.Kafka.Brokers != "" {
		publisher, err = events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.FinalizedTopic, cfg.Kafka.FailedTopic, logger)
		if err != nil {
			logger.Error("failed to initialize event publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
	}

	// Tree syncer (optional: the relayer can serve without on-demand proofs)
	var syncer *treesync.Syncer
	syncer, err = treesync.NewSyncer(
		poolClient, st,
		cfg.Tree.CachePath,
		time.Duration(cfg.Tree.SyncIntervalSecs)*time.Second,
		logger, metricsCollector,
	)
	if err != nil {
		logger.Warn("tree sync disabled", "error", err)
		syncer = nil
	}

	// Prover pipeline
	orchestrator := prover.New(
		zkp.NewExternalFactory(cfg.Prover.Bin),
		poolClient, relayerFlow, bridgeService, st, publisher,
		logger, metricsCollector,
	)

	// HTTP ingress
	server := api.NewServer(cfg, q, st, syncer, logger, metricsCollector)

	// Register services in the lifecycle registry
	registry := service.NewRegistry(logger)
	queueService := queue.NewService(q)
	proverService := prover.NewService(orchestrator, batches)
	apiService := api.NewService(server)

	for _, svc := range []service.Service{queueService, proverService, apiService} {
		if err := registry.Register(svc); err != nil {
			logger.Error("failed to register service", "error", err)
			os.Exit(1)
		}
	}
	if syncer != nil {
		if err := registry.Register(treesync.NewService(syncer)); err != nil {
			logger.Error("failed to register service", "error", err)
			os.Exit(1)
		}
	}

	healthRegistry.Register("batch-queue", health.ServiceChecker("batch-queue", func(ctx context.Context) error {
		return queueService.Health()
	}))
	healthRegistry.Register("prover", health.ServiceChecker("prover", func(ctx context.Context) error {
		return proverService.Health()
	}))
	healthRegistry.Register("api", health.ServiceChecker("api", func(ctx context.Context) error {
		return apiService.Health()
	}))

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg, metricsCollector, healthRegistry, logger)
	}

	logger.Info("starting all services")
	if err := registry.StartAll(ctx); err != nil {
		logger.Error("failed to start services", "error", err)
		os.Exit(1)
	}
	logger.Info("all services started")

	// Graceful shutdown on SIGINT/SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("shutting down gracefully")

	// Best-effort drain: the flush is refused below the minimum batch size
	if pending := q.PendingCount(); pending > 0 {
		if batchID, flushed := q.ForceFlush(); flushed {
			logger.Info("flushed pending transactions before shutdown", "batch_id", batchID, "pending", pending)
		} else {
			logger.Warn("pending transactions below minimum batch size, dropping", "pending", pending)
		}
	}
	// Closing the channel lets the prover drain in-flight batches and exit
	q.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	cancel()

	logger.Info("shutdown complete")
}

// buildStore selects the Redis store when REDIS_URL is configured, falling
// back to the volatile in-memory store.
func buildStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, healthRegistry *health.Registry) store.Store {
	storageKey, _ := cfg.StorageKey()

	if cfg.Storage.RedisURL != "" {
		redisStore, err := store.NewRedisStore(cfg.Storage.RedisURL, storageKey, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[vm31-relayer] redis connection error: %v\n", err)
			os.Exit(1)
		}
		healthRegistry.Register("redis", health.DependencyChecker("redis", func(ctx context.Context) error {
			return redisStore.Ping(ctx)
		}))
		return redisStore
	}

	var memStore *store.MemoryStore
	var err error
	if len(storageKey) > 0 {
		memStore, err = store.NewMemoryStoreWithEncryption(logger, storageKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[vm31-relayer] storage encryption error: %v\n", err)
			os.Exit(1)
		}
	} else {
		memStore = store.NewMemoryStore(logger)
	}
	go memStore.RunEviction(ctx)
	return memStore
}

// startMetricsServer exposes Prometheus metrics and the health registry on
// the operations port.
func startMetricsServer(cfg *config.Config, m *metrics.Metrics, healthRegistry *health.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, m.Handler())
	mux.Handle("/healthz", healthRegistry.Handler())

	addr := ":" + cfg.Metrics.Port
	logger.Info("starting metrics server", "addr", addr, "endpoint", cfg.Metrics.Endpoint)

	server := &http.Server{Addr: addr, Handler: mux}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
