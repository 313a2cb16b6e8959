package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/infrastructure/database"
	"github.com/opsledger/opsledger/internal/metrics"
)

type complianceFixture struct {
	store      *database.MemoryLedgerStore
	violations *database.MemoryViolationRepository
	writer     *ChainWriter
	scanner    *ComplianceScanner
}

func newComplianceFixture(t *testing.T, rules ...Rule) *complianceFixture {
	t.Helper()

	store := database.NewMemoryLedgerStore()
	violations := database.NewMemoryViolationRepository()
	scanner := NewComplianceScanner(store, violations, zap.NewNop(),
		metrics.NewForTesting(), DefaultComplianceScannerConfig())
	for _, rule := range rules {
		scanner.Register(rule)
	}

	return &complianceFixture{
		store:      store,
		violations: violations,
		writer:     newTestWriter(store),
		scanner:    scanner,
	}
}

func (f *complianceFixture) append(t *testing.T, mutate func(c *audit.RecordCandidate)) *audit.AuditRecord {
	t.Helper()

	actorID := uuid.New()
	c := newCandidate(&actorID)
	mutate(c)

	record, err := f.writer.Append(context.Background(), c)
	require.NoError(t, err)
	return record
}

func dangerousFor(actorID *uuid.UUID) func(c *audit.RecordCandidate) {
	return func(c *audit.RecordCandidate) {
		c.ActorID = actorID
		c.SafetyLevel = audit.SafetyLevelDangerous
		c.ExecutionStatus = audit.ExecutionStatusSuccess
	}
}

func TestUnauthorizedDangerousRule_ThresholdViolation(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthorizedDangerousRule())
	actorID := uuid.New()

	var seqs []int64
	for i := 0; i < 4; i++ {
		record := f.append(t, dangerousFor(&actorID))
		seqs = append(seqs, record.Sequence)
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)

	// Four unapproved dangerous successes above threshold three produce
	// exactly one violation covering all four records.
	require.Len(t, created, 1)
	v := created[0]
	assert.Equal(t, ViolationTypeUnauthorizedDangerous, v.ViolationType)
	assert.Equal(t, audit.FrameworkSOX, v.Framework)
	assert.Equal(t, audit.SeverityCritical, v.Severity)
	assert.ElementsMatch(t, seqs, v.AffectedSequences)
}

func TestUnauthorizedDangerousRule_BelowThreshold(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthorizedDangerousRule())
	actorID := uuid.New()

	for i := 0; i < 2; i++ {
		f.append(t, dangerousFor(&actorID))
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestUnauthorizedDangerousRule_ApprovalGrace(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthorizedDangerousRule())
	actorID := uuid.New()

	// An approval marker precedes the dangerous burst, so the burst is
	// authorized.
	f.append(t, func(c *audit.RecordCandidate) {
		c.ActorID = &actorID
		c.ExecutionResult = map[string]interface{}{"approval_granted": true}
	})
	for i := 0; i < 4; i++ {
		f.append(t, dangerousFor(&actorID))
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestUnauthorizedDangerousRule_DistinctActorsCountSeparately(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthorizedDangerousRule())

	// Two actors with two dangerous operations each stay under the
	// per-actor threshold.
	actorA, actorB := uuid.New(), uuid.New()
	for i := 0; i < 2; i++ {
		f.append(t, dangerousFor(&actorA))
		f.append(t, dangerousFor(&actorB))
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestComplianceScanner_RepeatedScansDeduplicate(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthorizedDangerousRule())
	actorID := uuid.New()

	for i := 0; i < 4; i++ {
		f.append(t, dangerousFor(&actorID))
	}

	first, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second, "open violations must suppress re-detection")
}

func TestUnauthenticatedActivityRule(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthenticatedActivityRule())
	ip := "203.0.113.7"

	for i := 0; i < 5; i++ {
		f.append(t, func(c *audit.RecordCandidate) {
			c.ActorID = nil
			c.ClientIP = &ip
		})
	}
	// Unsuccessful attempts from the same address do not count toward the
	// threshold and must stay out of the affected set.
	f.append(t, func(c *audit.RecordCandidate) {
		c.ActorID = nil
		c.ClientIP = &ip
		c.ExecutionStatus = audit.ExecutionStatusFailed
	})
	f.append(t, func(c *audit.RecordCandidate) {
		c.ActorID = nil
		c.ClientIP = &ip
		c.ExecutionStatus = audit.ExecutionStatusCancelled
	})

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, ViolationTypeUnauthenticatedActivity, created[0].ViolationType)
	assert.Equal(t, audit.FrameworkSOC2, created[0].Framework)
	assert.Len(t, created[0].AffectedSequences, 5)
}

func TestUnauthenticatedActivityRule_FailuresBelowThreshold(t *testing.T) {
	f := newComplianceFixture(t, NewUnauthenticatedActivityRule())
	ip := "203.0.113.7"

	for i := 0; i < 5; i++ {
		f.append(t, func(c *audit.RecordCandidate) {
			c.ActorID = nil
			c.ClientIP = &ip
			c.ExecutionStatus = audit.ExecutionStatusFailed
		})
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created, "only successful unauthenticated operations count")
}

func TestRepeatedFailureRule(t *testing.T) {
	f := newComplianceFixture(t, NewRepeatedFailureRule())
	actorID := uuid.New()

	for i := 0; i < 10; i++ {
		f.append(t, func(c *audit.RecordCandidate) {
			c.ActorID = &actorID
			c.ExecutionStatus = audit.ExecutionStatusFailed
		})
	}

	created, err := f.scanner.ScanOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, ViolationTypeRepeatedFailures, created[0].ViolationType)
	assert.Equal(t, audit.SeverityMedium, created[0].Severity)
}

func TestDefaultRules(t *testing.T) {
	f := newComplianceFixture(t, DefaultRules()...)
	assert.Len(t, f.scanner.Rules(), 3)
}
