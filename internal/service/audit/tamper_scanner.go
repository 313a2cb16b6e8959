package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/metrics"
)

// TamperScannerConfig controls the scan window.
type TamperScannerConfig struct {
	// WindowSize is how many of the newest records each pass replays.
	// Zero means the full chain every pass.
	WindowSize int64
}

// ScanOutcome summarizes one tamper scan pass.
type ScanOutcome struct {
	Report       *audit.VerificationReport `json:"report"`
	NewAlerts    []*audit.TamperAlert      `json:"new_alerts,omitempty"`
	Deduplicated int                       `json:"deduplicated"`
}

// TamperScanner turns verification failures into persisted TamperAlerts.
// Scans are read-only with respect to the chain and deduplicate against
// alerts already open for the same position and violation type, so repeated
// passes over an unrepaired chain stay idempotent.
type TamperScanner struct {
	store    audit.LedgerStore
	verifier *IntegrityVerifier
	alerts   audit.AlertRepository
	logger   *zap.Logger
	metrics  *metrics.Metrics
	config   TamperScannerConfig
}

func NewTamperScanner(store audit.LedgerStore, verifier *IntegrityVerifier, alerts audit.AlertRepository, logger *zap.Logger, m *metrics.Metrics, config TamperScannerConfig) *TamperScanner {
	return &TamperScanner{
		store:    store,
		verifier: verifier,
		alerts:   alerts,
		logger:   logger,
		metrics:  m,
		config:   config,
	}
}

// ScanOnce verifies the configured window and raises one alert per newly
// detected invalid position.
func (s *TamperScanner) ScanOnce(ctx context.Context) (*ScanOutcome, error) {
	tail, err := s.store.Tail(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading chain tail for tamper scan")
	}
	if tail.NextSequence == 0 {
		return &ScanOutcome{Report: &audit.VerificationReport{}}, nil
	}

	from := int64(0)
	to := tail.NextSequence - 1
	if s.config.WindowSize > 0 && to-s.config.WindowSize+1 > 0 {
		from = to - s.config.WindowSize + 1
	}
	if s.metrics != nil {
		s.metrics.ScanWindowSize.Set(float64(to - from + 1))
	}

	report, err := s.verifier.VerifyRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	outcome := &ScanOutcome{Report: report}
	for _, failure := range report.Failures {
		alert, created, err := s.raise(ctx, failure)
		if err != nil {
			return outcome, err
		}
		if !created {
			outcome.Deduplicated++
			continue
		}
		outcome.NewAlerts = append(outcome.NewAlerts, alert)
	}

	if len(outcome.NewAlerts) > 0 {
		s.logger.Warn("tamper scan raised alerts",
			zap.Int64("from", from),
			zap.Int64("to", to),
			zap.Int("new_alerts", len(outcome.NewAlerts)),
			zap.Int("deduplicated", outcome.Deduplicated))
	}

	return outcome, nil
}

// raise persists an alert for one failed position unless one of the same
// violation type is already open there.
func (s *TamperScanner) raise(ctx context.Context, failure audit.CheckResult) (*audit.TamperAlert, bool, error) {
	violationType := classifyFailure(failure)

	open, err := s.alerts.OpenBySequence(ctx, failure.Sequence)
	if err != nil {
		return nil, false, errors.Wrap(err, "checking for open alerts")
	}
	for _, existing := range open {
		if existing.ViolationType == violationType {
			return nil, false, nil
		}
	}

	// Checksum recomputation is exact, so a detected divergence carries
	// full confidence.
	alert, err := audit.NewTamperAlert(failure.Sequence, violationType,
		audit.SeverityCritical, audit.DetectionMethodChecksum, 1.0, failure.Detail)
	if err != nil {
		return nil, false, err
	}

	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, false, err
	}

	if s.metrics != nil {
		s.metrics.TamperAlerts.WithLabelValues(string(alert.Severity)).Inc()
	}
	s.logger.Error("tamper alert raised",
		zap.Int64("sequence", alert.AffectedSequence),
		zap.String("violation_type", alert.ViolationType),
		zap.String("detail", alert.Detail))

	return alert, true, nil
}

func classifyFailure(failure audit.CheckResult) string {
	if strings.Contains(failure.Detail, "previous checksum mismatch") {
		return audit.TamperTypeChainBreak
	}
	return audit.TamperTypeChecksumMismatch
}
