package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/infrastructure/config"
	"github.com/opsledger/opsledger/internal/infrastructure/database"
	"github.com/opsledger/opsledger/internal/infrastructure/telemetry"
	"github.com/opsledger/opsledger/internal/metrics"
	svcaudit "github.com/opsledger/opsledger/internal/service/audit"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	mode       = flag.String("mode", "archive", "Operation mode: archive, verify, stats")
	format     = flag.String("format", "json", "Export format: csv, json")
	outDir     = flag.String("out", "archives", "Directory for exported archive files")
	dryRun     = flag.Bool("dry-run", false, "Report eligible ranges without exporting")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewConnectionPool(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	store := database.NewLedgerRepository(pool.Pool())
	holds := database.NewHoldRepository(pool.Pool())

	m := metrics.New(prometheus.NewRegistry())
	gate := svcaudit.NewRetentionGate(store, holds, logger, m)
	verifier := svcaudit.NewIntegrityVerifier(store, logger, m)
	exporter := svcaudit.NewExporter(store, logger, m)

	switch *mode {
	case "archive":
		err = runArchive(ctx, gate, verifier, exporter, logger)
	case "verify":
		err = runVerify(ctx, verifier, logger)
	case "stats":
		err = runStats(ctx, store)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}

	if err != nil {
		logger.Fatal("operation failed", zap.Error(err))
	}

	logger.Info("operation completed")
}

// runArchive asks the retention gate for ranges eligible under each automatic
// policy and drains them to archive files. Ranges that fail integrity
// verification are never exported.
func runArchive(ctx context.Context, gate *svcaudit.RetentionGate, verifier *svcaudit.IntegrityVerifier, exporter *svcaudit.Exporter, logger *zap.Logger) error {
	exportFormat := svcaudit.ExportFormat(*format)
	if !exportFormat.IsValid() {
		return fmt.Errorf("unknown export format: %s", *format)
	}

	eligible, err := gate.EvaluateAutomaticPolicies(ctx)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	if len(eligible) == 0 {
		logger.Info("no records eligible for archival")
		return nil
	}

	if *dryRun {
		for policy, ranges := range eligible {
			logger.Info("dry run: would archive",
				zap.String("policy", policy),
				zap.Int64("records", totalCount(ranges)),
				zap.String("ranges", formatRanges(ranges)))
		}
		return nil
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	start := time.Now()
	var exported int

	for policy, ranges := range eligible {
		for _, rng := range ranges {
			report, err := verifier.VerifyRange(ctx, rng.From, rng.To)
			if err != nil {
				return fmt.Errorf("verification of range [%d,%d] failed: %w", rng.From, rng.To, err)
			}
			if !report.IsClean() {
				return fmt.Errorf("range [%d,%d] failed integrity verification, refusing to archive", rng.From, rng.To)
			}
		}

		path := archivePath(*outDir, policy, exportFormat)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create archive file: %w", err)
		}

		count, err := exporter.ExportRanges(ctx, f, exportFormat, ranges)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("export for policy %s failed: %w", policy, err)
		}

		exported += count
		logger.Info("archived policy ranges",
			zap.String("policy", policy),
			zap.String("file", path),
			zap.Int("records", count))
	}

	logger.Info("archive run completed",
		zap.Int("records_exported", exported),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// runVerify replays the full chain and reports the outcome.
func runVerify(ctx context.Context, verifier *svcaudit.IntegrityVerifier, logger *zap.Logger) error {
	report, err := verifier.VerifyAll(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	logger.Info("verification completed",
		zap.Int64("from", report.FromSequence),
		zap.Int64("to", report.ToSequence),
		zap.Int("checked", report.Checked),
		zap.Int("failures", len(report.Failures)),
		zap.Int("unknown", len(report.Unknown)))

	if !report.IsClean() {
		for _, f := range report.Failures {
			logger.Error("integrity failure",
				zap.Int64("sequence", f.Sequence),
				zap.String("detail", f.Detail))
		}
		return fmt.Errorf("chain verification found %d failures", len(report.Failures))
	}

	return nil
}

// runStats prints ledger aggregates.
func runStats(ctx context.Context, store audit.LedgerStore) error {
	tail, err := store.Tail(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain tail: %w", err)
	}

	summary, err := store.Summarize(ctx, audit.RecordFilter{})
	if err != nil {
		return fmt.Errorf("failed to summarize ledger: %w", err)
	}

	fmt.Printf("Chain length: %d\n", tail.NextSequence)
	fmt.Printf("Total records: %d\n", summary.Total)
	fmt.Printf("  safe: %d  warning: %d  dangerous: %d\n",
		summary.Safe, summary.Warning, summary.Dangerous)
	fmt.Printf("  succeeded: %d  failed: %d  cancelled: %d\n",
		summary.Succeeded, summary.Failed, summary.Cancelled)
	return nil
}

func archivePath(dir, policy string, format svcaudit.ExportFormat) string {
	name := fmt.Sprintf("%s_%s.%s",
		strings.ReplaceAll(policy, " ", "_"),
		time.Now().UTC().Format("20060102T150405Z"),
		format)
	return filepath.Join(dir, name)
}

func totalCount(ranges []audit.SequenceRange) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Count()
	}
	return n
}

func formatRanges(ranges []audit.SequenceRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, fmt.Sprintf("[%d,%d]", r.From, r.To))
	}
	return strings.Join(parts, " ")
}
