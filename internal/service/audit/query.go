package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/metrics"
)

// SummaryCache is an optional read-through cache for aggregate queries.
type SummaryCache interface {
	GetSummary(ctx context.Context, key string) (*audit.Summary, bool, error)
	SetSummary(ctx context.Context, key string, summary *audit.Summary, ttl time.Duration) error
}

// QueryService is the read side of the engine: record lookups, listings,
// aggregates, and compliance reports. Everything here is read-only.
type QueryService struct {
	store      audit.LedgerStore
	violations audit.ViolationRepository
	alerts     audit.AlertRepository
	holds      audit.HoldRepository
	verifier   *IntegrityVerifier
	rules      []Rule
	tails      TailCache
	cache      SummaryCache
	logger     *zap.Logger
	metrics    *metrics.Metrics

	summaryTTL time.Duration
}

// NewQueryService creates the read service. The verifier and rules feed
// report generation; both caches may be nil.
func NewQueryService(store audit.LedgerStore, violations audit.ViolationRepository, alerts audit.AlertRepository, holds audit.HoldRepository, verifier *IntegrityVerifier, rules []Rule, tails TailCache, cache SummaryCache, logger *zap.Logger, m *metrics.Metrics) *QueryService {
	return &QueryService{
		store:      store,
		violations: violations,
		alerts:     alerts,
		holds:      holds,
		verifier:   verifier,
		rules:      rules,
		tails:      tails,
		cache:      cache,
		logger:     logger,
		metrics:    m,
		summaryTTL: 30 * time.Second,
	}
}

// ChainStatus reports the current chain tail. Served from the tail cache
// when one is wired; a miss falls through to the store and refreshes the
// cache. The writer invalidates the cache on ambiguous failures, so a
// cached tail is never ahead of the store.
func (s *QueryService) ChainStatus(ctx context.Context) (audit.ChainTail, error) {
	if s.tails != nil {
		if tail, ok, err := s.tails.GetTail(ctx); err == nil && ok {
			s.countCache("tail", "hit")
			return tail, nil
		}
		s.countCache("tail", "miss")
	}

	tail, err := s.store.Tail(ctx)
	if err != nil {
		return audit.ChainTail{}, err
	}

	if s.tails != nil {
		if err := s.tails.SetTail(ctx, tail); err != nil {
			s.logger.Debug("tail cache refresh failed", zap.Error(err))
		}
	}
	return tail, nil
}

// GetRecord returns the record at one ledger position.
func (s *QueryService) GetRecord(ctx context.Context, seq int64) (*audit.AuditRecord, error) {
	entry, err := s.store.GetBySequence(ctx, seq)
	if err != nil {
		return nil, err
	}
	if entry.DecodeErr != nil {
		return nil, errors.NewIntegrityViolationError(
			fmt.Sprintf("record at sequence %d is unreadable", seq)).WithCause(entry.DecodeErr)
	}
	return entry.Record, nil
}

// ListRecords returns records matching the filter, newest first.
func (s *QueryService) ListRecords(ctx context.Context, filter audit.RecordFilter) ([]*audit.AuditRecord, error) {
	return s.store.List(ctx, filter)
}

// Summarize aggregates records matching the filter, serving unfiltered
// queries from the cache when one is wired.
func (s *QueryService) Summarize(ctx context.Context, filter audit.RecordFilter) (*audit.Summary, error) {
	cacheable := filter == audit.RecordFilter{}

	if cacheable && s.cache != nil {
		if summary, ok, err := s.cache.GetSummary(ctx, "summary:all"); err == nil && ok {
			s.countCache("summary", "hit")
			return summary, nil
		}
		s.countCache("summary", "miss")
	}

	summary, err := s.store.Summarize(ctx, filter)
	if err != nil {
		return nil, err
	}

	if cacheable && s.cache != nil {
		if err := s.cache.SetSummary(ctx, "summary:all", summary, s.summaryTTL); err != nil {
			s.logger.Debug("summary cache write failed", zap.Error(err))
		}
	}
	return summary, nil
}

// ListViolations returns compliance violations matching the filter.
func (s *QueryService) ListViolations(ctx context.Context, filter audit.ViolationFilter) ([]*audit.ComplianceViolation, error) {
	return s.violations.List(ctx, filter)
}

// ListTamperAlerts returns tamper alerts matching the filter.
func (s *QueryService) ListTamperAlerts(ctx context.Context, filter audit.AlertFilter) ([]*audit.TamperAlert, error) {
	return s.alerts.List(ctx, filter)
}

// ComplianceReport is the per-framework snapshot handed to auditors.
// Violations is the persisted history for the framework; PeriodFindings is a
// fresh rule evaluation over the reporting window and is what the score is
// computed from, together with the integrity replay of the same window.
type ComplianceReport struct {
	Framework         audit.Framework              `json:"framework"`
	PeriodStart       time.Time                    `json:"period_start"`
	PeriodEnd         time.Time                    `json:"period_end"`
	GeneratedAt       time.Time                    `json:"generated_at"`
	RecordSummary     *audit.Summary               `json:"record_summary"`
	Violations        []*audit.ComplianceViolation `json:"violations"`
	PeriodFindings    []*audit.ComplianceViolation `json:"period_findings"`
	OpenViolations    int                          `json:"open_violations"`
	OpenAlerts        int                          `json:"open_alerts"`
	ActiveHolds       int                          `json:"active_holds"`
	ChainLength       int64                        `json:"chain_length"`
	IntegrityChecked  int                          `json:"integrity_checked"`
	IntegrityFailures int                          `json:"integrity_failures"`
	IntegrityUnknown  int                          `json:"integrity_unknown"`
	ComplianceScore   float64                      `json:"compliance_score"`
	ExecutiveSummary  string                       `json:"executive_summary"`
}

func severityDeduction(sev audit.Severity) float64 {
	switch sev {
	case audit.SeverityCritical:
		return 15
	case audit.SeverityHigh:
		return 10
	case audit.SeverityMedium:
		return 5
	default:
		return 2
	}
}

const integrityFailureDeduction = 25.0

// GenerateReport assembles a compliance report for one framework over a
// reporting period.
func (s *QueryService) GenerateReport(ctx context.Context, framework audit.Framework, start, end time.Time) (*ComplianceReport, error) {
	if !framework.IsValid() {
		return nil, errors.NewValidationError("INVALID_FRAMEWORK",
			"framework must be sox, hipaa, or soc2")
	}
	if !end.After(start) {
		return nil, errors.NewValidationError("INVALID_PERIOD",
			"report period end must be after start")
	}

	summary, err := s.store.Summarize(ctx, audit.RecordFilter{StartTime: &start, EndTime: &end})
	if err != nil {
		return nil, errors.Wrap(err, "summarizing report period")
	}

	violations, err := s.violations.List(ctx, audit.ViolationFilter{
		Framework: &framework,
		Since:     &start,
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing report violations")
	}

	openCount := 0
	for _, v := range violations {
		if v.Status.IsOpen() {
			openCount++
		}
	}

	openStatus := audit.FindingStatusOpen
	alerts, err := s.alerts.List(ctx, audit.AlertFilter{Status: &openStatus})
	if err != nil {
		return nil, errors.Wrap(err, "listing open alerts")
	}

	activeHolds, err := s.holds.ActiveHolds(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing active holds")
	}

	tail, err := s.store.Tail(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading chain tail")
	}

	window, err := s.store.List(ctx, audit.RecordFilter{StartTime: &start, EndTime: &end})
	if err != nil {
		return nil, errors.Wrap(err, "reading report window")
	}
	reverse(window)

	var findings []*audit.ComplianceViolation
	for _, rule := range s.rules {
		if rule.Framework() != framework {
			continue
		}
		findings = append(findings, rule.Evaluate(window)...)
	}

	score := 100.0
	for _, f := range findings {
		score -= severityDeduction(f.Severity)
	}

	var checked, failed, unknown int
	if s.verifier != nil && len(window) > 0 {
		verification, err := s.verifier.VerifyRange(ctx,
			window[0].Sequence, window[len(window)-1].Sequence)
		if err != nil {
			return nil, errors.Wrap(err, "verifying report window")
		}
		checked = verification.Checked
		failed = len(verification.Failures)
		unknown = len(verification.Unknown)
		score -= float64(failed) * integrityFailureDeduction
	}
	if score < 0 {
		score = 0
	}

	report := &ComplianceReport{
		Framework:         framework,
		PeriodStart:       start.UTC(),
		PeriodEnd:         end.UTC(),
		GeneratedAt:       time.Now().UTC(),
		RecordSummary:     summary,
		Violations:        violations,
		PeriodFindings:    findings,
		OpenViolations:    openCount,
		OpenAlerts:        len(alerts),
		ActiveHolds:       len(activeHolds),
		ChainLength:       tail.NextSequence,
		IntegrityChecked:  checked,
		IntegrityFailures: failed,
		IntegrityUnknown:  unknown,
		ComplianceScore:   score,
		ExecutiveSummary: fmt.Sprintf(
			"%s compliance analysis over %d records. Score: %.1f%%. %d findings, %d integrity failures.",
			strings.ToUpper(string(framework)), summary.Total, score, len(findings), failed),
	}

	s.logger.Info("compliance report generated",
		zap.String("framework", string(framework)),
		zap.Int64("records", summary.Total),
		zap.Float64("score", score),
		zap.Int("findings", len(findings)))

	return report, nil
}

// HealthCheck reports whether the ledger is reachable.
func (s *QueryService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := s.store.Tail(checkCtx); err != nil {
		return errors.Wrap(err, "ledger unreachable")
	}
	return nil
}

func (s *QueryService) countCache(cache, result string) {
	if s.metrics != nil {
		s.metrics.CacheHits.WithLabelValues(cache, result).Inc()
	}
}
