package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

func TestNewLegalHold(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 6, 0)

	hold, err := NewLegalHold("CASE-2026-001", "regulatory inquiry", start, &end, "legal@example.com")
	require.NoError(t, err)

	assert.Equal(t, HoldStatusActive, hold.Status)
	assert.True(t, hold.IsActive())
	assert.NotEqual(t, "", hold.ID.String())

	t.Run("missing case id", func(t *testing.T) {
		_, err := NewLegalHold("", "x", start, &end, "legal@example.com")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("inverted window", func(t *testing.T) {
		before := start.Add(-time.Hour)
		_, err := NewLegalHold("CASE-2026-002", "x", start, &before, "legal@example.com")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestLegalHold_Covers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	hold, err := NewLegalHold("CASE-2026-003", "", start, &end, "legal")
	require.NoError(t, err)

	assert.True(t, hold.Covers(start))
	assert.True(t, hold.Covers(end))
	assert.True(t, hold.Covers(start.Add(72*time.Hour)))
	assert.False(t, hold.Covers(start.Add(-time.Second)))
	assert.False(t, hold.Covers(end.Add(time.Second)))

	t.Run("open ended", func(t *testing.T) {
		open, err := NewLegalHold("CASE-2026-004", "", start, nil, "legal")
		require.NoError(t, err)
		assert.True(t, open.Covers(start.AddDate(10, 0, 0)))
	})
}

func TestLegalHold_Release(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)

	hold, err := NewLegalHold("CASE-2026-005", "", start, nil, "legal")
	require.NoError(t, err)

	require.NoError(t, hold.Release("legal", "case settled"))
	assert.Equal(t, HoldStatusReleased, hold.Status)
	assert.False(t, hold.IsActive())
	require.NotNil(t, hold.ReleasedAt)
	assert.Equal(t, "case settled", hold.ReleaseReason)

	// Releasing twice is an invalid transition, not a no-op.
	err = hold.Release("legal", "again")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "HOLD_NOT_ACTIVE", appErr.Code)
}

func TestRetentionPolicy_AppliesTo(t *testing.T) {
	period, err := values.NewRetentionPeriodFromDays(2555)
	require.NoError(t, err)

	dangerous := SafetyLevelDangerous

	policy, err := NewRetentionPolicy("sox-dangerous", period, 10)
	require.NoError(t, err)
	policy.SafetyLevel = &dangerous

	match := testRecord(t, 0)
	match.SafetyLevel = SafetyLevelDangerous
	assert.True(t, policy.AppliesTo(match))

	miss := testRecord(t, 1)
	miss.SafetyLevel = SafetyLevelSafe
	assert.False(t, policy.AppliesTo(miss))

	t.Run("catch-all policy", func(t *testing.T) {
		all, err := NewRetentionPolicy("default", period, 0)
		require.NoError(t, err)
		assert.True(t, all.AppliesTo(match))
		assert.True(t, all.AppliesTo(miss))
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := NewRetentionPolicy("", period, 0)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestCompressSequences(t *testing.T) {
	tests := []struct {
		name string
		in   []int64
		want []SequenceRange
	}{
		{name: "empty", in: nil, want: nil},
		{name: "single", in: []int64{4}, want: []SequenceRange{{From: 4, To: 4}}},
		{
			name: "contiguous",
			in:   []int64{1, 2, 3, 4},
			want: []SequenceRange{{From: 1, To: 4}},
		},
		{
			name: "gaps",
			in:   []int64{1, 2, 5, 6, 9},
			want: []SequenceRange{{From: 1, To: 2}, {From: 5, To: 6}, {From: 9, To: 9}},
		},
		{
			name: "unsorted with duplicates",
			in:   []int64{9, 2, 1, 2, 6, 5},
			want: []SequenceRange{{From: 1, To: 2}, {From: 5, To: 6}, {From: 9, To: 9}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompressSequences(tt.in))
		})
	}
}

func TestSequenceRange(t *testing.T) {
	r := SequenceRange{From: 3, To: 7}

	assert.Equal(t, int64(5), r.Count())
	assert.True(t, r.Contains(3))
	assert.True(t, r.Contains(7))
	assert.False(t, r.Contains(8))

	assert.Equal(t, int64(0), SequenceRange{From: 5, To: 2}.Count())
}
