package values

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsledger/opsledger/internal/domain/errors"
)

func TestNewRetentionPeriod(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		wantErr  bool
		errCode  string
	}{
		{
			name:     "typical seven years",
			duration: 7 * 365 * 24 * time.Hour,
		},
		{
			name:     "short periods allowed",
			duration: time.Minute,
		},
		{
			name:     "zero rejected",
			duration: 0,
			wantErr:  true,
			errCode:  "INVALID_RETENTION_DURATION",
		},
		{
			name:     "negative rejected",
			duration: -time.Hour,
			wantErr:  true,
			errCode:  "INVALID_RETENTION_DURATION",
		},
		{
			name:     "beyond cap rejected",
			duration: time.Duration(MaxRetentionYears+1) * 365 * 24 * time.Hour,
			wantErr:  true,
			errCode:  "RETENTION_TOO_LONG",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rp, err := NewRetentionPeriod(tt.duration)
			if tt.wantErr {
				require.Error(t, err)
				var appErr *errors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.errCode, appErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.duration, rp.Duration())
		})
	}
}

func TestNewRetentionPeriodFromDays(t *testing.T) {
	rp, err := NewRetentionPeriodFromDays(90)
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, rp.Duration())

	_, err = NewRetentionPeriodFromDays(0)
	require.Error(t, err)
}

func TestRetentionPeriod_CutoffAt(t *testing.T) {
	rp := MustNewRetentionPeriod(30 * 24 * time.Hour)
	asOf := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	cutoff := rp.CutoffAt(asOf)
	assert.Equal(t, asOf.Add(-30*24*time.Hour), cutoff)
}

func TestRetentionPeriod_IsExpired(t *testing.T) {
	rp := MustNewRetentionPeriod(24 * time.Hour)
	asOf := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.True(t, rp.IsExpired(asOf.Add(-25*time.Hour), asOf))
	assert.False(t, rp.IsExpired(asOf.Add(-23*time.Hour), asOf))
	assert.False(t, rp.IsExpired(asOf.Add(-24*time.Hour), asOf),
		"a record exactly at the cutoff is not yet expired")
}

func TestRetentionPeriod_JSON(t *testing.T) {
	rp := MustNewRetentionPeriod(48 * time.Hour)

	data, err := json.Marshal(rp)
	require.NoError(t, err)
	assert.Equal(t, `"48h0m0s"`, string(data))

	var back RetentionPeriod
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rp.Duration(), back.Duration())

	var bad RetentionPeriod
	err = json.Unmarshal([]byte(`"not a duration"`), &bad)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`"-5h"`), &bad)
	require.Error(t, err)
}

func TestRetentionPeriod_Database(t *testing.T) {
	rp := MustNewRetentionPeriod(time.Hour)

	v, err := rp.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(time.Hour), v)

	var scanned RetentionPeriod
	require.NoError(t, scanned.Scan(int64(time.Hour)))
	assert.Equal(t, time.Hour, scanned.Duration())

	var null RetentionPeriod
	require.NoError(t, null.Scan(nil))
	assert.True(t, null.IsZero())

	require.Error(t, scanned.Scan("3600"))
}
