package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// SafetyLevel classifies how hazardous the generated command was judged to be
// by the translation pipeline.
type SafetyLevel string

const (
	SafetyLevelSafe      SafetyLevel = "safe"
	SafetyLevelWarning   SafetyLevel = "warning"
	SafetyLevelDangerous SafetyLevel = "dangerous"
)

func (s SafetyLevel) IsValid() bool {
	switch s {
	case SafetyLevelSafe, SafetyLevelWarning, SafetyLevelDangerous:
		return true
	}
	return false
}

// ExecutionStatus is the outcome reported by the execution collaborator.
type ExecutionStatus string

const (
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Payload limits enforced before a candidate enters the write critical section.
const (
	MaxQueryTextBytes       = 64 * 1024
	MaxGeneratedCommandBytes = 64 * 1024
	MaxExecutionResultBytes  = 1024 * 1024
)

// AuditRecord is one immutable entry in the hash-chained ledger. Sequence,
// Timestamp, Checksum, and PreviousChecksum are assigned exclusively by the
// chain writer; everything else comes from the candidate.
type AuditRecord struct {
	Sequence int64 `json:"sequence"`

	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`

	QueryText        string      `json:"query_text"`
	GeneratedCommand string      `json:"generated_command"`
	SafetyLevel      SafetyLevel `json:"safety_level"`

	ExecutionResult map[string]interface{} `json:"execution_result,omitempty"`
	ExecutionStatus ExecutionStatus        `json:"execution_status"`

	ClusterContext   *string `json:"cluster_context,omitempty"`
	NamespaceContext *string `json:"namespace_context,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	ClientIP    *string `json:"client_ip,omitempty"`
	ClientAgent *string `json:"client_agent,omitempty"`

	FormatVersion    int              `json:"format_version"`
	Checksum         values.HashValue `json:"checksum"`
	PreviousChecksum values.HashValue `json:"previous_checksum"`
}

// RecordCandidate carries the content fields of a record-to-be. The ledger
// assigns everything else inside the append critical section.
//
// ExecutionResult is treated as a JSON document: the writer normalizes it to
// its JSON-decoded shape before sealing, so numbers are committed as float64.
// Integer values beyond 2^53 are not preserved exactly; send them as strings.
type RecordCandidate struct {
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`

	QueryText        string      `json:"query_text"`
	GeneratedCommand string      `json:"generated_command"`
	SafetyLevel      SafetyLevel `json:"safety_level"`

	ExecutionResult map[string]interface{} `json:"execution_result,omitempty"`
	ExecutionStatus ExecutionStatus        `json:"execution_status"`

	ClusterContext   *string `json:"cluster_context,omitempty"`
	NamespaceContext *string `json:"namespace_context,omitempty"`

	ClientIP    *string `json:"client_ip,omitempty"`
	ClientAgent *string `json:"client_agent,omitempty"`
}

// Validate checks a candidate before it is allowed anywhere near the write
// critical section. A rejected candidate never consumes a sequence number.
func (c *RecordCandidate) Validate() error {
	if c.QueryText == "" {
		return errors.NewValidationError("MISSING_QUERY_TEXT",
			"query text is required")
	}

	if len(c.QueryText) > MaxQueryTextBytes {
		return errors.NewValidationError("QUERY_TEXT_TOO_LARGE",
			"query text exceeds maximum size")
	}

	if c.GeneratedCommand == "" {
		return errors.NewValidationError("MISSING_GENERATED_COMMAND",
			"generated command is required")
	}

	if len(c.GeneratedCommand) > MaxGeneratedCommandBytes {
		return errors.NewValidationError("GENERATED_COMMAND_TOO_LARGE",
			"generated command exceeds maximum size")
	}

	if !c.SafetyLevel.IsValid() {
		return errors.NewValidationError("INVALID_SAFETY_LEVEL",
			"safety level must be safe, warning, or dangerous")
	}

	if !c.ExecutionStatus.IsValid() {
		return errors.NewValidationError("INVALID_EXECUTION_STATUS",
			"execution status must be success, failed, or cancelled")
	}

	return nil
}

// IsDangerous reports whether the record captured a dangerous operation
func (r *AuditRecord) IsDangerous() bool {
	return r.SafetyLevel == SafetyLevelDangerous
}

// IsSuccessful reports whether the recorded execution succeeded
func (r *AuditRecord) IsSuccessful() bool {
	return r.ExecutionStatus == ExecutionStatusSuccess
}

// IsAuthenticated reports whether the record is attributed to an actor
// (system-initiated records carry no actor)
func (r *AuditRecord) IsAuthenticated() bool {
	return r.ActorID != nil
}

// IsApprovalMarker reports whether this record documents an operator approval.
// The execution collaborator marks approvals by setting "approval_granted" in
// the structured result.
func (r *AuditRecord) IsApprovalMarker() bool {
	if r.ExecutionResult == nil {
		return false
	}
	granted, ok := r.ExecutionResult["approval_granted"].(bool)
	return ok && granted
}

// Clone returns a deep copy of the record. Used by the verifier and by tests
// that mutate fields to simulate tampering.
func (r *AuditRecord) Clone() *AuditRecord {
	clone := *r

	if r.ActorID != nil {
		id := *r.ActorID
		clone.ActorID = &id
	}
	if r.SessionID != nil {
		id := *r.SessionID
		clone.SessionID = &id
	}
	if r.ClusterContext != nil {
		s := *r.ClusterContext
		clone.ClusterContext = &s
	}
	if r.NamespaceContext != nil {
		s := *r.NamespaceContext
		clone.NamespaceContext = &s
	}
	if r.ClientIP != nil {
		s := *r.ClientIP
		clone.ClientIP = &s
	}
	if r.ClientAgent != nil {
		s := *r.ClientAgent
		clone.ClientAgent = &s
	}
	if r.ExecutionResult != nil {
		clone.ExecutionResult = make(map[string]interface{}, len(r.ExecutionResult))
		for k, v := range r.ExecutionResult {
			clone.ExecutionResult[k] = v
		}
	}

	return &clone
}

// RecordFilter selects records for the read-side query operations
type RecordFilter struct {
	ActorID         *uuid.UUID       `json:"actor_id,omitempty"`
	SessionID       *uuid.UUID       `json:"session_id,omitempty"`
	SafetyLevel     *SafetyLevel     `json:"safety_level,omitempty"`
	ExecutionStatus *ExecutionStatus `json:"execution_status,omitempty"`
	StartTime       *time.Time       `json:"start_time,omitempty"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
}

// Matches reports whether a record satisfies the filter predicates
// (ignores Limit/Offset).
func (f RecordFilter) Matches(r *AuditRecord) bool {
	if f.ActorID != nil && (r.ActorID == nil || *r.ActorID != *f.ActorID) {
		return false
	}
	if f.SessionID != nil && (r.SessionID == nil || *r.SessionID != *f.SessionID) {
		return false
	}
	if f.SafetyLevel != nil && r.SafetyLevel != *f.SafetyLevel {
		return false
	}
	if f.ExecutionStatus != nil && r.ExecutionStatus != *f.ExecutionStatus {
		return false
	}
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Summary holds record counts broken down by safety level and execution
// status. The sum of each breakdown always equals Total.
type Summary struct {
	Total     int64 `json:"total"`
	Safe      int64 `json:"safe"`
	Warning   int64 `json:"warning"`
	Dangerous int64 `json:"dangerous"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Add counts one record into the summary
func (s *Summary) Add(r *AuditRecord) {
	s.Total++
	switch r.SafetyLevel {
	case SafetyLevelSafe:
		s.Safe++
	case SafetyLevelWarning:
		s.Warning++
	case SafetyLevelDangerous:
		s.Dangerous++
	}
	switch r.ExecutionStatus {
	case ExecutionStatusSuccess:
		s.Succeeded++
	case ExecutionStatusFailed:
		s.Failed++
	case ExecutionStatusCancelled:
		s.Cancelled++
	}
}
