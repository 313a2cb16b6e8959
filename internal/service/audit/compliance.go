package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/metrics"
)

// Rule evaluates a window of ledger records against one compliance
// requirement. Rules are pure over their input window; persistence and
// deduplication belong to the scanner.
type Rule interface {
	Name() string
	Framework() audit.Framework
	Evaluate(records []*audit.AuditRecord) []*audit.ComplianceViolation
}

// ComplianceScannerConfig controls the evaluation window.
type ComplianceScannerConfig struct {
	// Lookback bounds how far back each pass reads records.
	Lookback time.Duration
}

// DefaultComplianceScannerConfig returns production defaults.
func DefaultComplianceScannerConfig() ComplianceScannerConfig {
	return ComplianceScannerConfig{Lookback: 24 * time.Hour}
}

// ComplianceScanner runs the registered rules over recent ledger history and
// persists newly detected violations. Read-only with respect to the chain.
type ComplianceScanner struct {
	store      audit.LedgerStore
	violations audit.ViolationRepository
	rules      []Rule
	logger     *zap.Logger
	metrics    *metrics.Metrics
	config     ComplianceScannerConfig

	now func() time.Time
}

func NewComplianceScanner(store audit.LedgerStore, violations audit.ViolationRepository, logger *zap.Logger, m *metrics.Metrics, config ComplianceScannerConfig) *ComplianceScanner {
	if config.Lookback <= 0 {
		config.Lookback = DefaultComplianceScannerConfig().Lookback
	}
	return &ComplianceScanner{
		store:      store,
		violations: violations,
		logger:     logger,
		metrics:    m,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a rule. Not safe to call once scanning has started.
func (s *ComplianceScanner) Register(rule Rule) {
	s.rules = append(s.rules, rule)
}

// Rules returns the registered rule names.
func (s *ComplianceScanner) Rules() []string {
	names := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		names = append(names, r.Name())
	}
	return names
}

// ScanOnce evaluates every registered rule over the lookback window. A
// violation whose affected records are already covered by an open violation
// of the same type is suppressed, so repeated passes stay idempotent.
func (s *ComplianceScanner) ScanOnce(ctx context.Context) ([]*audit.ComplianceViolation, error) {
	since := s.now().Add(-s.config.Lookback)
	window, err := s.store.List(ctx, audit.RecordFilter{StartTime: &since})
	if err != nil {
		return nil, errors.Wrap(err, "reading compliance window")
	}
	// List returns newest first; rules reason in chain order.
	reverse(window)

	var created []*audit.ComplianceViolation
	for _, rule := range s.rules {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		for _, violation := range rule.Evaluate(window) {
			duplicate, err := s.alreadyOpen(ctx, violation)
			if err != nil {
				return created, err
			}
			if duplicate {
				continue
			}

			if err := s.violations.Create(ctx, violation); err != nil {
				return created, errors.Wrap(err, "persisting compliance violation")
			}
			created = append(created, violation)

			if s.metrics != nil {
				s.metrics.Violations.WithLabelValues(string(violation.Framework)).Inc()
			}
			s.logger.Warn("compliance violation detected",
				zap.String("rule", rule.Name()),
				zap.String("framework", string(violation.Framework)),
				zap.String("severity", string(violation.Severity)),
				zap.Int("affected_records", len(violation.AffectedSequences)))
		}
	}

	return created, nil
}

// alreadyOpen reports whether any of the violation's affected sequences is
// already covered by an open violation of the same type.
func (s *ComplianceScanner) alreadyOpen(ctx context.Context, v *audit.ComplianceViolation) (bool, error) {
	for _, seq := range v.AffectedSequences {
		open, err := s.violations.OpenByTypeAndSequence(ctx, v.ViolationType, seq)
		if err != nil {
			return false, errors.Wrap(err, "checking for open violation")
		}
		if open {
			return true, nil
		}
	}
	return false, nil
}

func reverse(records []*audit.AuditRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
