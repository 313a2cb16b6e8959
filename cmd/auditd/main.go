package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/infrastructure/cache"
	"github.com/opsledger/opsledger/internal/infrastructure/config"
	"github.com/opsledger/opsledger/internal/infrastructure/database"
	"github.com/opsledger/opsledger/internal/infrastructure/telemetry"
	"github.com/opsledger/opsledger/internal/metrics"
	svcaudit "github.com/opsledger/opsledger/internal/service/audit"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting audit ledger daemon",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("metrics_port", cfg.Server.MetricsPort))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	pool, err := database.NewConnectionPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer pool.Close()

	store := database.NewLedgerRepository(pool.Pool())
	holds := database.NewHoldRepository(pool.Pool())
	violations := database.NewViolationRepository(pool.Pool())
	alerts := database.NewAlertRepository(pool.Pool())

	var ledgerCache *cache.LedgerCache
	if cfg.Redis.Enabled {
		client, err := cache.NewClient(ctx, cache.Config{
			URL:      cfg.Redis.URL,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer client.Close()
		ledgerCache = cache.NewLedgerCache(client)
	}

	var tailCache svcaudit.TailCache
	var summaryCache svcaudit.SummaryCache
	if ledgerCache != nil {
		tailCache = ledgerCache
		summaryCache = ledgerCache
	}

	writer := svcaudit.NewChainWriter(store, tailCache, logger, m, svcaudit.WriterConfig{
		AppendTimeout: cfg.Ledger.AppendTimeout,
	})

	verifier := svcaudit.NewIntegrityVerifier(store, logger, m)
	tamper := svcaudit.NewTamperScanner(store, verifier, alerts, logger, m, svcaudit.TamperScannerConfig{
		WindowSize: cfg.Scanner.TamperWindow,
	})

	rules := svcaudit.DefaultRules()
	compliance := svcaudit.NewComplianceScanner(store, violations, logger, m, svcaudit.ComplianceScannerConfig{
		Lookback: cfg.Scanner.ComplianceLookback,
	})
	for _, rule := range rules {
		compliance.Register(rule)
	}

	gate := svcaudit.NewRetentionGate(store, holds, logger, m)
	queries := svcaudit.NewQueryService(store, violations, alerts, holds, verifier, rules, tailCache, summaryCache, logger, m)

	scheduler := svcaudit.NewScheduler(logger)
	scheduler.AddJob(svcaudit.Job{
		Name:     "tamper_scan",
		Interval: cfg.Scanner.TamperInterval,
		Run: func(ctx context.Context) error {
			_, err := tamper.ScanOnce(ctx)
			return err
		},
	})
	scheduler.AddJob(svcaudit.Job{
		Name:     "compliance_scan",
		Interval: cfg.Scanner.ComplianceInterval,
		Run: func(ctx context.Context) error {
			_, err := compliance.ScanOnce(ctx)
			return err
		},
	})
	scheduler.AddJob(svcaudit.Job{
		Name:     "retention_evaluation",
		Interval: cfg.Retention.EvaluationInterval,
		Run: func(ctx context.Context) error {
			_, err := gate.EvaluateAutomaticPolicies(ctx)
			return err
		},
	})

	scheduler.Start(ctx)
	defer scheduler.Stop()

	serviceMux := http.NewServeMux()
	serviceMux.Handle("/v1/records", &ingestHandler{writer: writer, logger: logger})
	serviceMux.Handle("/v1/chain", &chainHandler{queries: queries, logger: logger})
	serviceMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := queries.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	serviceSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: serviceMux,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ingest server listening", zap.String("addr", serviceSrv.Addr))
		if err := serviceSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingest server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := serviceSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingest server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}

	return nil
}
