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
	"github.com/opsledger/opsledger/internal/domain/values"
	"github.com/opsledger/opsledger/internal/infrastructure/database"
	"github.com/opsledger/opsledger/internal/metrics"
)

type retentionFixture struct {
	store *database.MemoryLedgerStore
	holds *database.MemoryHoldRepository
	gate  *RetentionGate
}

func newRetentionFixture(t *testing.T) *retentionFixture {
	t.Helper()

	store := database.NewMemoryLedgerStore()
	holds := database.NewMemoryHoldRepository()
	return &retentionFixture{
		store: store,
		holds: holds,
		gate:  NewRetentionGate(store, holds, zap.NewNop(), metrics.NewForTesting()),
	}
}

// seedAged appends n records and backdates them by age via direct store
// mutation, recomputing nothing: retention only reads timestamps.
func (f *retentionFixture) seedAged(t *testing.T, n int, age time.Duration) {
	t.Helper()

	writer := newTestWriter(f.store)
	actorID := uuid.New()
	backdated := time.Now().UTC().Add(-age)

	for i := 0; i < n; i++ {
		record, err := writer.Append(context.Background(), newCandidate(&actorID))
		require.NoError(t, err)
		require.True(t, f.store.Tamper(record.Sequence, func(r *audit.AuditRecord) {
			r.Timestamp = backdated
		}))
	}
}

func shortPolicy(t *testing.T, retention time.Duration) *audit.RetentionPolicy {
	t.Helper()

	period, err := values.NewRetentionPeriod(retention)
	require.NoError(t, err)
	policy, err := audit.NewRetentionPolicy("test-policy", period, 0)
	require.NoError(t, err)
	policy.Automatic = true
	return policy
}

func TestRetentionGate_EligibleForAction(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 5, 48*time.Hour)

	policy := shortPolicy(t, 24*time.Hour)

	ranges, err := f.gate.EligibleForAction(context.Background(), policy, time.Now().UTC())
	require.NoError(t, err)

	require.Len(t, ranges, 1)
	assert.Equal(t, int64(0), ranges[0].From)
	assert.Equal(t, int64(4), ranges[0].To)
}

func TestRetentionGate_FreshRecordsNotEligible(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 5, time.Hour)

	policy := shortPolicy(t, 24*time.Hour)

	ranges, err := f.gate.EligibleForAction(context.Background(), policy, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func TestRetentionGate_ActiveHoldExcludes(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 5, 48*time.Hour)

	// Hold covering all seeded timestamps. Even a very short automatic
	// policy must not see held records.
	start := time.Now().UTC().Add(-72 * time.Hour)
	_, err := f.gate.ApplyLegalHold(context.Background(),
		"CASE-HOLD-1", "litigation", start, nil, "legal")
	require.NoError(t, err)

	policy := shortPolicy(t, time.Minute)

	ranges, err := f.gate.EligibleForAction(context.Background(), policy, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, ranges, "held records must never be eligible")
}

func TestRetentionGate_ReleasedHoldStopsExcluding(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 3, 48*time.Hour)

	start := time.Now().UTC().Add(-72 * time.Hour)
	_, err := f.gate.ApplyLegalHold(context.Background(),
		"CASE-HOLD-2", "", start, nil, "legal")
	require.NoError(t, err)

	_, err = f.gate.ReleaseLegalHold(context.Background(), "CASE-HOLD-2", "legal", "case closed")
	require.NoError(t, err)

	policy := shortPolicy(t, 24*time.Hour)
	ranges, err := f.gate.EligibleForAction(context.Background(), policy, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, ranges, 1)
}

func TestRetentionGate_HoldWindowPartialCoverage(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 2, 96*time.Hour)
	f.seedAged(t, 2, 48*time.Hour)

	// Hold covers only the older pair.
	start := time.Now().UTC().Add(-120 * time.Hour)
	end := time.Now().UTC().Add(-72 * time.Hour)
	_, err := f.gate.ApplyLegalHold(context.Background(),
		"CASE-HOLD-3", "", start, &end, "legal")
	require.NoError(t, err)

	policy := shortPolicy(t, 24*time.Hour)
	ranges, err := f.gate.EligibleForAction(context.Background(), policy, time.Now().UTC())
	require.NoError(t, err)

	require.Len(t, ranges, 1)
	assert.Equal(t, int64(2), ranges[0].From)
	assert.Equal(t, int64(3), ranges[0].To)
}

func TestRetentionGate_ApplyLegalHold(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 4, 48*time.Hour)

	start := time.Now().UTC().Add(-72 * time.Hour)
	hold, err := f.gate.ApplyLegalHold(context.Background(),
		"CASE-APPLY-1", "audit request", start, nil, "legal")
	require.NoError(t, err)

	assert.Equal(t, audit.HoldStatusActive, hold.Status)
	assert.Equal(t, int64(4), hold.RecordCount)

	t.Run("duplicate active hold rejected", func(t *testing.T) {
		_, err := f.gate.ApplyLegalHold(context.Background(),
			"CASE-APPLY-1", "", start, nil, "legal")
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})
}

func TestRetentionGate_ReleaseLegalHold(t *testing.T) {
	f := newRetentionFixture(t)

	start := time.Now().UTC().Add(-time.Hour)
	_, err := f.gate.ApplyLegalHold(context.Background(),
		"CASE-REL-1", "", start, nil, "legal")
	require.NoError(t, err)

	t.Run("missing reason", func(t *testing.T) {
		_, err := f.gate.ReleaseLegalHold(context.Background(), "CASE-REL-1", "legal", "")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	hold, err := f.gate.ReleaseLegalHold(context.Background(), "CASE-REL-1", "legal", "resolved")
	require.NoError(t, err)
	assert.Equal(t, audit.HoldStatusReleased, hold.Status)

	t.Run("double release is invalid state", func(t *testing.T) {
		_, err := f.gate.ReleaseLegalHold(context.Background(), "CASE-REL-1", "legal", "again")
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})

	t.Run("unknown case", func(t *testing.T) {
		_, err := f.gate.ReleaseLegalHold(context.Background(), "CASE-MISSING", "legal", "x")
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestRetentionGate_EvaluateAutomaticPolicies(t *testing.T) {
	f := newRetentionFixture(t)
	f.seedAged(t, 6, 48*time.Hour)

	_, err := f.gate.CreatePolicy(context.Background(), "daily", 24*time.Hour, 5, true)
	require.NoError(t, err)
	_, err = f.gate.CreatePolicy(context.Background(), "hourly", 12*time.Hour, 1, true)
	require.NoError(t, err)
	_, err = f.gate.CreatePolicy(context.Background(), "manual", time.Hour, 10, false)
	require.NoError(t, err)

	results, err := f.gate.EvaluateAutomaticPolicies(context.Background())
	require.NoError(t, err)

	// The daily policy outranks the hourly one and claims every expired
	// record first; the manual policy is skipped outright.
	require.Contains(t, results, "daily")
	assert.NotContains(t, results, "hourly")
	assert.NotContains(t, results, "manual")
	assert.Equal(t, int64(6), results["daily"][0].Count())
}
