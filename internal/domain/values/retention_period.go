package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsledger/opsledger/internal/domain/errors"
)

// RetentionPeriod represents how long records must be kept before a retention
// policy may act on them.
type RetentionPeriod struct {
	duration time.Duration
}

const (
	retentionYear = 365 * 24 * time.Hour

	// MaxRetentionYears caps configurable retention
	MaxRetentionYears = 100
)

// NewRetentionPeriod creates a new RetentionPeriod with validation. No lower
// bound: operators may configure short retention for low-value record classes;
// legal holds still override any policy.
func NewRetentionPeriod(duration time.Duration) (RetentionPeriod, error) {
	if duration <= 0 {
		return RetentionPeriod{}, errors.NewValidationError("INVALID_RETENTION_DURATION",
			"retention period must be positive")
	}

	if duration > time.Duration(MaxRetentionYears)*retentionYear {
		return RetentionPeriod{}, errors.NewValidationError("RETENTION_TOO_LONG",
			fmt.Sprintf("retention period cannot exceed %d years", MaxRetentionYears))
	}

	return RetentionPeriod{duration: duration}, nil
}

// NewRetentionPeriodFromDays creates RetentionPeriod from a number of days
func NewRetentionPeriodFromDays(days int) (RetentionPeriod, error) {
	return NewRetentionPeriod(time.Duration(days) * 24 * time.Hour)
}

// MustNewRetentionPeriod creates RetentionPeriod and panics on error (for tests)
func MustNewRetentionPeriod(duration time.Duration) RetentionPeriod {
	rp, err := NewRetentionPeriod(duration)
	if err != nil {
		panic(err)
	}
	return rp
}

// Duration returns the underlying duration
func (rp RetentionPeriod) Duration() time.Duration {
	return rp.duration
}

// CutoffAt returns the latest timestamp a record may carry and still be past
// retention as of the given instant.
func (rp RetentionPeriod) CutoffAt(asOf time.Time) time.Time {
	return asOf.Add(-rp.duration)
}

// IsExpired reports whether a record created at the given instant has outlived
// this retention period as of asOf.
func (rp RetentionPeriod) IsExpired(createdAt, asOf time.Time) bool {
	return createdAt.Before(rp.CutoffAt(asOf))
}

// IsZero checks if the period is unset
func (rp RetentionPeriod) IsZero() bool {
	return rp.duration == 0
}

// String returns the duration string
func (rp RetentionPeriod) String() string {
	return rp.duration.String()
}

// MarshalJSON implements JSON marshaling as a duration string
func (rp RetentionPeriod) MarshalJSON() ([]byte, error) {
	return json.Marshal(rp.duration.String())
}

// UnmarshalJSON implements JSON unmarshaling
func (rp *RetentionPeriod) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.NewValidationError("INVALID_RETENTION_FORMAT",
			"retention period must be a valid duration").WithCause(err)
	}

	period, err := NewRetentionPeriod(d)
	if err != nil {
		return err
	}

	*rp = period
	return nil
}

// Value implements driver.Valuer, stored as nanoseconds
func (rp RetentionPeriod) Value() (driver.Value, error) {
	return int64(rp.duration), nil
}

// Scan implements sql.Scanner
func (rp *RetentionPeriod) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		period, err := NewRetentionPeriod(time.Duration(v))
		if err != nil {
			return err
		}
		*rp = period
		return nil
	case nil:
		*rp = RetentionPeriod{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into RetentionPeriod", value)
	}
}
