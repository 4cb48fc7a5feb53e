package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dbsync/internal/adapter"
	"dbsync/internal/adapter/mysqladapter"
	"dbsync/internal/cdc"
	"dbsync/internal/config"
	"dbsync/internal/conflict"
	"dbsync/internal/natsio"
	"dbsync/internal/pool"
	"dbsync/internal/recovery"
	"dbsync/internal/syncer"
	"dbsync/internal/txn"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	logger.Info("Starting database sync engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS carries dispatched changes and dead letters when
	// configured; without it both stay in-process.
	var publisher *natsio.Publisher
	var dlq recovery.DeadLetterSink
	var sink cdc.Sink
	if cfg.NATS.URL != "" {
		publisher, err = natsio.NewPublisher(cfg.NATS.URL, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		dlq = natsio.NewDeadLetterSink(publisher, cfg.NATS.DeadLetterSubject)
		sink = natsio.NewEventSink(publisher, cfg.NATS.SubjectPrefix)
	} else {
		sink = cdc.NewQueueSink(1000)
	}

	rec := recovery.NewManager(recovery.Config{
		MaxRetries:        cfg.Recovery.MaxRetries,
		RetryDelayBase:    cfg.Recovery.RetryDelayBase,
		RetryDelayMax:     cfg.Recovery.RetryDelayMax,
		MaxErrorsPerHour:  cfg.Recovery.MaxErrorsPerHour,
		RetentionPeriod:   cfg.Recovery.RetentionPeriod,
		DeadLetterEnabled: cfg.Recovery.DeadLetterEnabled,
	}, dlq, logger)
	go rec.RunRetryLoop(ctx)
	go rec.RunCleanupLoop(ctx)

	var txlog txn.Log
	if cfg.Transactions.LogPath != "" {
		sqliteLog, err := txn.OpenSQLiteLog(cfg.Transactions.LogPath)
		if err != nil {
			logger.Fatalf("Failed to open transaction log: %v", err)
		}
		defer sqliteLog.Close()
		txlog = sqliteLog
		if ids, err := sqliteLog.UnfinishedTransactions(); err == nil && len(ids) > 0 {
			logger.Warnf("Transaction log has %d unfinished transactions requiring reconciliation: %v", len(ids), ids)
		}
	}
	txman := txn.NewManager(txn.Config{
		DefaultTimeout: cfg.Transactions.DefaultTimeout,
		HistoryLimit:   cfg.Transactions.HistoryLimit,
	}, rec, txlog, logger)
	go txman.RunTimeoutSweep(ctx)

	resolver := conflict.NewResolver(conflict.SourceWins, logger)

	manager := syncer.NewManager(syncer.ManagerConfig{}, resolver, txman, rec, logger)
	endpoints := make(map[string]config.EndpointConfig, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints[ep.ID] = ep
		if err := manager.RegisterEndpoint(ep.ID, connectorFactory(ep, logger), pool.Config{
			MinConnections:    cfg.Pool.MinConnections,
			MaxConnections:    cfg.Pool.MaxConnections,
			ConnectionTimeout: cfg.Pool.ConnectionTimeout,
			MaxIdleTime:       cfg.Pool.MaxIdleTime,
		}); err != nil {
			logger.Fatalf("Failed to register endpoint %s: %v", ep.ID, err)
		}
	}
	for _, sc := range cfg.Syncs {
		if err := manager.AddConfig(sc); err != nil {
			logger.Fatalf("Failed to add sync configuration %s: %v", sc.Name, err)
		}
	}

	coordinator := cdc.NewCoordinator(sink, rec, logger)
	for _, src := range cfg.CDC {
		ep := endpoints[src.Endpoint]
		conn, err := buildCDCConnector(ctx, ep, logger)
		if err != nil {
			logger.Fatalf("Failed to build CDC connector for %s: %v", src.Name, err)
		}
		provider := cdc.NewConnectorProvider(src.Name, conn, src.IncludeTables)
		if err := coordinator.AddProvider(src.ProviderConfig(), provider); err != nil {
			logger.Fatalf("Failed to add CDC provider %s: %v", src.Name, err)
		}
	}

	if err := coordinator.Start(ctx); err != nil {
		logger.Fatalf("Failed to start CDC coordinator: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("Failed to start sync manager: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal: %v, shutting down...", sig)

	manager.Stop()
	coordinator.Stop()
	cancel()
	logger.Info("Database sync engine stopped")
}

// connectorFactory builds pool members for one endpoint.
func connectorFactory(ep config.EndpointConfig, logger *logrus.Logger) syncer.ConnectorFactory {
	return func(ctx context.Context) (adapter.Connector, error) {
		switch ep.Type {
		case "mysql":
			return mysqladapter.New(ep.MySQL, logger), nil
		case "memory":
			return adapter.NewMemoryAdapter(ep.ID), nil
		default:
			return nil, fmt.Errorf("unsupported endpoint type %q", ep.Type)
		}
	}
}

// buildCDCConnector creates and connects a CDC-capable adapter.
func buildCDCConnector(ctx context.Context, ep config.EndpointConfig, logger *logrus.Logger) (adapter.CDCConnector, error) {
	var conn adapter.CDCConnector
	switch ep.Type {
	case "mysql":
		conn = mysqladapter.New(ep.MySQL, logger)
	case "memory":
		conn = adapter.NewMemoryAdapter(ep.ID)
	default:
		return nil, fmt.Errorf("endpoint type %q does not support CDC", ep.Type)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
