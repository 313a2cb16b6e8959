package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/errors"
)

// Severity grades violations and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Framework tags a violation with the compliance regime it was detected under.
type Framework string

const (
	FrameworkSOX   Framework = "sox"
	FrameworkHIPAA Framework = "hipaa"
	FrameworkSOC2  Framework = "soc2"
)

func (f Framework) IsValid() bool {
	switch f {
	case FrameworkSOX, FrameworkHIPAA, FrameworkSOC2:
		return true
	}
	return false
}

// FindingStatus is the triage lifecycle shared by violations and alerts.
type FindingStatus string

const (
	FindingStatusOpen          FindingStatus = "open"
	FindingStatusInProgress    FindingStatus = "in_progress"
	FindingStatusResolved      FindingStatus = "resolved"
	FindingStatusFalsePositive FindingStatus = "false_positive"
)

func (s FindingStatus) IsValid() bool {
	switch s {
	case FindingStatusOpen, FindingStatusInProgress, FindingStatusResolved, FindingStatusFalsePositive:
		return true
	}
	return false
}

// IsOpen reports whether the finding still needs attention
func (s FindingStatus) IsOpen() bool {
	return s == FindingStatusOpen || s == FindingStatusInProgress
}

// ComplianceViolation is a rule-detected breach over a window of records.
// It references records by sequence only; it never owns or mutates them.
type ComplianceViolation struct {
	ID                uuid.UUID     `json:"id"`
	Framework         Framework     `json:"framework"`
	ViolationType     string        `json:"violation_type"`
	Severity          Severity      `json:"severity"`
	Description       string        `json:"description"`
	AffectedSequences []int64       `json:"affected_sequences"`
	DetectedAt        time.Time     `json:"detected_at"`
	Status            FindingStatus `json:"status"`
}

// NewComplianceViolation creates a validated open violation
func NewComplianceViolation(framework Framework, violationType string, severity Severity, description string, sequences []int64) (*ComplianceViolation, error) {
	if !framework.IsValid() {
		return nil, errors.NewValidationError("INVALID_FRAMEWORK",
			"framework must be sox, hipaa, or soc2")
	}
	if violationType == "" {
		return nil, errors.NewValidationError("MISSING_VIOLATION_TYPE",
			"violation type is required")
	}
	if !severity.IsValid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY",
			"severity must be low, medium, high, or critical")
	}

	return &ComplianceViolation{
		ID:                uuid.New(),
		Framework:         framework,
		ViolationType:     violationType,
		Severity:          severity,
		Description:       description,
		AffectedSequences: sequences,
		DetectedAt:        time.Now().UTC(),
		Status:            FindingStatusOpen,
	}, nil
}

// DetectionMethod says how a tamper alert was produced.
type DetectionMethod string

const (
	DetectionMethodChecksum DetectionMethod = "checksum"
	DetectionMethodPattern  DetectionMethod = "pattern"
	DetectionMethodAnomaly  DetectionMethod = "anomaly"
)

func (m DetectionMethod) IsValid() bool {
	switch m {
	case DetectionMethodChecksum, DetectionMethodPattern, DetectionMethodAnomaly:
		return true
	}
	return false
}

// TamperAlert records detected divergence at one ledger position.
type TamperAlert struct {
	ID               uuid.UUID       `json:"id"`
	DetectedAt       time.Time       `json:"detected_at"`
	AffectedSequence int64           `json:"affected_sequence"`
	ViolationType    string          `json:"violation_type"`
	Severity         Severity        `json:"severity"`
	DetectionMethod  DetectionMethod `json:"detection_method"`
	Confidence       float64         `json:"confidence"`
	Detail           string          `json:"detail,omitempty"`
	Status           FindingStatus   `json:"status"`
}

// Tamper alert violation types
const (
	TamperTypeChecksumMismatch = "checksum_mismatch"
	TamperTypeChainBreak       = "chain_break"
)

// NewTamperAlert creates a validated open alert
func NewTamperAlert(sequence int64, violationType string, severity Severity, method DetectionMethod, confidence float64, detail string) (*TamperAlert, error) {
	if violationType == "" {
		return nil, errors.NewValidationError("MISSING_VIOLATION_TYPE",
			"violation type is required")
	}
	if !severity.IsValid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY",
			"severity must be low, medium, high, or critical")
	}
	if !method.IsValid() {
		return nil, errors.NewValidationError("INVALID_DETECTION_METHOD",
			"detection method must be checksum, pattern, or anomaly")
	}
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewValidationError("INVALID_CONFIDENCE",
			"confidence must be in [0, 1]")
	}

	return &TamperAlert{
		ID:               uuid.New(),
		DetectedAt:       time.Now().UTC(),
		AffectedSequence: sequence,
		ViolationType:    violationType,
		Severity:         severity,
		DetectionMethod:  method,
		Confidence:       confidence,
		Detail:           detail,
		Status:           FindingStatusOpen,
	}, nil
}

// ViolationFilter selects violations for listing
type ViolationFilter struct {
	Framework *Framework     `json:"framework,omitempty"`
	Severity  *Severity      `json:"severity,omitempty"`
	Status    *FindingStatus `json:"status,omitempty"`
	Since     *time.Time     `json:"since,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// AlertFilter selects tamper alerts for listing
type AlertFilter struct {
	Status   *FindingStatus   `json:"status,omitempty"`
	Method   *DetectionMethod `json:"method,omitempty"`
	Severity *Severity        `json:"severity,omitempty"`
	Since    *time.Time       `json:"since,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Offset   int              `json:"offset,omitempty"`
}
