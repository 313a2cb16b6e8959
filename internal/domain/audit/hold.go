package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// HoldStatus is the lifecycle of a legal hold.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusExpired  HoldStatus = "expired"
)

func (s HoldStatus) IsValid() bool {
	switch s {
	case HoldStatusActive, HoldStatusReleased, HoldStatusExpired:
		return true
	}
	return false
}

// LegalHold pins every record whose timestamp falls inside its window,
// overriding retention for as long as it stays active. A nil EndTime
// means the window is open-ended.
type LegalHold struct {
	ID            uuid.UUID  `json:"id"`
	CaseID        string     `json:"case_id"`
	Description   string     `json:"description"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Status        HoldStatus `json:"status"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleasedBy    string     `json:"released_by,omitempty"`
	ReleaseReason string     `json:"release_reason,omitempty"`
	RecordCount   int64      `json:"record_count"`
}

// NewLegalHold creates an active hold over [startTime, endTime].
func NewLegalHold(caseID, description string, startTime time.Time, endTime *time.Time, createdBy string) (*LegalHold, error) {
	if caseID == "" {
		return nil, errors.NewValidationError("MISSING_CASE_ID", "case id is required")
	}
	if endTime != nil && !endTime.After(startTime) {
		return nil, errors.NewValidationError("INVALID_HOLD_WINDOW",
			"hold end time must be after start time")
	}

	return &LegalHold{
		ID:          uuid.New(),
		CaseID:      caseID,
		Description: description,
		StartTime:   startTime.UTC(),
		EndTime:     endTime,
		Status:      HoldStatusActive,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// IsActive reports whether the hold currently pins records.
func (h *LegalHold) IsActive() bool {
	return h.Status == HoldStatusActive
}

// Covers reports whether a record timestamp falls inside the hold window.
// Releasing a hold never un-covers anything retroactively; callers must
// check IsActive separately.
func (h *LegalHold) Covers(ts time.Time) bool {
	if ts.Before(h.StartTime) {
		return false
	}
	if h.EndTime != nil && ts.After(*h.EndTime) {
		return false
	}
	return true
}

// Release transitions an active hold to released. Releasing a hold that
// is not active is an invalid state transition, not a no-op.
func (h *LegalHold) Release(releasedBy, reason string) error {
	if h.Status != HoldStatusActive {
		return errors.NewInvalidStateError("HOLD_NOT_ACTIVE",
			fmt.Sprintf("cannot release hold in status %s", h.Status))
	}
	now := time.Now().UTC()
	h.Status = HoldStatusReleased
	h.ReleasedAt = &now
	h.ReleasedBy = releasedBy
	h.ReleaseReason = reason
	return nil
}

// RetentionPolicy decides how long matching records are kept. Higher
// priority wins when multiple policies match the same record.
type RetentionPolicy struct {
	ID              uuid.UUID              `json:"id"`
	Name            string                 `json:"name"`
	RetentionPeriod values.RetentionPeriod `json:"retention_period"`
	SafetyLevel     *SafetyLevel           `json:"safety_level,omitempty"`
	ExecutionStatus *ExecutionStatus       `json:"execution_status,omitempty"`
	Automatic       bool                   `json:"automatic"`
	Priority        int                    `json:"priority"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewRetentionPolicy creates a validated policy.
func NewRetentionPolicy(name string, period values.RetentionPeriod, priority int) (*RetentionPolicy, error) {
	if name == "" {
		return nil, errors.NewValidationError("MISSING_POLICY_NAME", "policy name is required")
	}
	return &RetentionPolicy{
		ID:              uuid.New(),
		Name:            name,
		RetentionPeriod: period,
		Priority:        priority,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// AppliesTo reports whether the policy's predicate matches a record.
// A policy with no predicate fields matches everything.
func (p *RetentionPolicy) AppliesTo(r *AuditRecord) bool {
	if p.SafetyLevel != nil && r.SafetyLevel != *p.SafetyLevel {
		return false
	}
	if p.ExecutionStatus != nil && r.ExecutionStatus != *p.ExecutionStatus {
		return false
	}
	return true
}

// SequenceRange is an inclusive run of ledger positions.
type SequenceRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (r SequenceRange) Count() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r SequenceRange) Contains(seq int64) bool {
	return seq >= r.From && seq <= r.To
}

// CompressSequences collapses a set of sequences into sorted inclusive
// ranges. The input is not mutated.
func CompressSequences(seqs []int64) []SequenceRange {
	if len(seqs) == 0 {
		return nil
	}
	sorted := make([]int64, len(seqs))
	copy(sorted, seqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var ranges []SequenceRange
	cur := SequenceRange{From: sorted[0], To: sorted[0]}
	for _, s := range sorted[1:] {
		if s == cur.To || s == cur.To+1 {
			if s > cur.To {
				cur.To = s
			}
			continue
		}
		ranges = append(ranges, cur)
		cur = SequenceRange{From: s, To: s}
	}
	return append(ranges, cur)
}
