package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/infrastructure/database"
	"github.com/opsledger/opsledger/internal/metrics"
)

func newQueryFixture(t *testing.T, records int) (*QueryService, *database.MemoryLedgerStore) {
	t.Helper()

	store := seedChain(t, records)
	verifier := NewIntegrityVerifier(store, zap.NewNop(), metrics.NewForTesting())
	return NewQueryService(store,
		database.NewMemoryViolationRepository(),
		database.NewMemoryAlertRepository(),
		database.NewMemoryHoldRepository(),
		verifier, DefaultRules(),
		nil, nil, zap.NewNop(), metrics.NewForTesting()), store
}

// memTailCache is an in-process TailCache for exercising the read-through
// path without Redis.
type memTailCache struct {
	tail audit.ChainTail
	set  bool
	hits int
	sets int
}

func (c *memTailCache) SetTail(_ context.Context, tail audit.ChainTail) error {
	c.tail, c.set = tail, true
	c.sets++
	return nil
}

func (c *memTailCache) GetTail(_ context.Context) (audit.ChainTail, bool, error) {
	if c.set {
		c.hits++
	}
	return c.tail, c.set, nil
}

func (c *memTailCache) Invalidate(_ context.Context) error {
	c.tail, c.set = audit.ChainTail{}, false
	return nil
}

func TestQueryService_GetRecord(t *testing.T) {
	svc, _ := newQueryFixture(t, 5)

	record, err := svc.GetRecord(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), record.Sequence)

	_, err = svc.GetRecord(context.Background(), 99)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestQueryService_ListRecords(t *testing.T) {
	svc, _ := newQueryFixture(t, 10)

	records, err := svc.ListRecords(context.Background(), audit.RecordFilter{Limit: 4})
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, int64(9), records[0].Sequence, "listing is newest first")
}

func TestQueryService_SummarizeConsistency(t *testing.T) {
	svc, _ := newQueryFixture(t, 12)

	summary, err := svc.Summarize(context.Background(), audit.RecordFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(12), summary.Total)
	assert.Equal(t, summary.Total, summary.Safe+summary.Warning+summary.Dangerous)
	assert.Equal(t, summary.Total, summary.Succeeded+summary.Failed+summary.Cancelled)
}

func TestQueryService_ChainStatus(t *testing.T) {
	store := seedChain(t, 4)
	tails := &memTailCache{}
	svc := NewQueryService(store,
		database.NewMemoryViolationRepository(),
		database.NewMemoryAlertRepository(),
		database.NewMemoryHoldRepository(),
		nil, nil,
		tails, nil, zap.NewNop(), metrics.NewForTesting())

	tail, err := svc.ChainStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), tail.NextSequence)
	assert.False(t, tail.LastChecksum.IsEmpty())
	assert.Equal(t, 1, tails.sets, "miss populates the cache")

	cached, err := svc.ChainStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tail, cached)
	assert.Equal(t, 1, tails.hits, "second read is served from the cache")
	assert.Equal(t, 1, tails.sets)
}

func TestQueryService_GenerateReport(t *testing.T) {
	svc, _ := newQueryFixture(t, 8)

	start := time.Now().UTC().Add(-time.Hour)
	end := time.Now().UTC().Add(time.Hour)

	report, err := svc.GenerateReport(context.Background(), audit.FrameworkSOX, start, end)
	require.NoError(t, err)

	assert.Equal(t, audit.FrameworkSOX, report.Framework)
	assert.Equal(t, int64(8), report.RecordSummary.Total)
	assert.Equal(t, int64(8), report.ChainLength)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.PeriodFindings)
	assert.Equal(t, 8, report.IntegrityChecked)
	assert.Zero(t, report.IntegrityFailures)
	assert.Equal(t, 100.0, report.ComplianceScore)
	assert.Contains(t, report.ExecutiveSummary, "Score: 100.0%")

	t.Run("invalid framework", func(t *testing.T) {
		_, err := svc.GenerateReport(context.Background(), "pci", start, end)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("inverted period", func(t *testing.T) {
		_, err := svc.GenerateReport(context.Background(), audit.FrameworkSOX, end, start)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestQueryService_GenerateReport_FindingsLowerScore(t *testing.T) {
	svc, store := newQueryFixture(t, 2)
	writer := newTestWriter(store)
	actorID := uuid.New()

	for i := 0; i < 4; i++ {
		c := newCandidate(&actorID)
		dangerousFor(&actorID)(c)
		_, err := writer.Append(context.Background(), c)
		require.NoError(t, err)
	}

	start := time.Now().UTC().Add(-time.Hour)
	end := time.Now().UTC().Add(time.Hour)

	report, err := svc.GenerateReport(context.Background(), audit.FrameworkSOX, start, end)
	require.NoError(t, err)

	require.Len(t, report.PeriodFindings, 1)
	assert.Equal(t, audit.SeverityCritical, report.PeriodFindings[0].Severity)
	assert.Len(t, report.PeriodFindings[0].AffectedSequences, 4)
	assert.Equal(t, 85.0, report.ComplianceScore)
}

func TestQueryService_GenerateReport_TamperLowersScore(t *testing.T) {
	svc, store := newQueryFixture(t, 6)

	require.True(t, store.Tamper(2, func(r *audit.AuditRecord) {
		r.QueryText = "rewritten after the fact"
	}))

	start := time.Now().UTC().Add(-time.Hour)
	end := time.Now().UTC().Add(time.Hour)

	report, err := svc.GenerateReport(context.Background(), audit.FrameworkSOX, start, end)
	require.NoError(t, err)

	assert.Equal(t, 6, report.IntegrityChecked)
	assert.Equal(t, 1, report.IntegrityFailures)
	assert.Equal(t, 75.0, report.ComplianceScore)
	assert.Contains(t, report.ExecutiveSummary, "1 integrity failures")
}

func TestQueryService_HealthCheck(t *testing.T) {
	svc, _ := newQueryFixture(t, 1)
	assert.NoError(t, svc.HealthCheck(context.Background()))
}
