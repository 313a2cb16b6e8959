package audit

import (
	"fmt"

	"github.com/opsledger/opsledger/internal/domain/values"
)

// CheckStatus is the verification outcome for one ledger position.
type CheckStatus string

const (
	// CheckValid means the recomputed checksum and linkage both match
	CheckValid CheckStatus = "valid"
	// CheckInvalid means content tampering or chain re-linking was detected
	CheckInvalid CheckStatus = "invalid"
	// CheckUnknown means the record carries a format version this build
	// cannot canonicalize; not evidence of tampering
	CheckUnknown CheckStatus = "unknown"
)

// CheckResult reports the verification of a single sequence position.
type CheckResult struct {
	Sequence         int64            `json:"sequence"`
	Status           CheckStatus      `json:"status"`
	ExpectedChecksum values.HashValue `json:"expected_checksum,omitempty"`
	StoredChecksum   values.HashValue `json:"stored_checksum,omitempty"`
	Detail           string           `json:"detail,omitempty"`
}

// IsValid reports whether the position passed verification
func (r CheckResult) IsValid() bool {
	return r.Status == CheckValid
}

// VerifyRecord recomputes a record's checksum against the authoritative
// previous checksum and checks both linkage and content. Pure function: no
// storage access, usable without a database.
//
// Both checks matter: a content edit breaks the recomputed digest, while a
// re-linking or reordering attack breaks the previous-checksum linkage even
// when each record's own digest still verifies.
func VerifyRecord(r *AuditRecord, previous values.HashValue) CheckResult {
	result := CheckResult{
		Sequence:       r.Sequence,
		StoredChecksum: r.Checksum,
	}

	if !r.PreviousChecksum.Equal(previous) {
		result.Status = CheckInvalid
		result.Detail = fmt.Sprintf("previous checksum mismatch: stored %s, chain has %s",
			r.PreviousChecksum.Truncate(), previous.Truncate())
		return result
	}

	expected, err := ComputeChecksum(r, previous)
	if err != nil {
		if _, codecErr := CodecFor(r.FormatVersion); codecErr != nil {
			result.Status = CheckUnknown
			result.Detail = fmt.Sprintf("unrecognized format version %d", r.FormatVersion)
			return result
		}
		result.Status = CheckInvalid
		result.Detail = fmt.Sprintf("checksum recomputation failed: %v", err)
		return result
	}

	result.ExpectedChecksum = expected

	if !expected.Equal(r.Checksum) {
		result.Status = CheckInvalid
		result.Detail = "checksum mismatch: record content altered after append"
		return result
	}

	result.Status = CheckValid
	return result
}

// VerificationReport aggregates the results of replaying a contiguous range.
type VerificationReport struct {
	FromSequence int64         `json:"from_sequence"`
	ToSequence   int64         `json:"to_sequence"`
	Checked      int           `json:"checked"`
	Results      []CheckResult `json:"results"`
	Failures     []CheckResult `json:"failures,omitempty"`
	Unknown      []CheckResult `json:"unknown,omitempty"`
}

// IsClean reports whether every checked position verified
func (r *VerificationReport) IsClean() bool {
	return len(r.Failures) == 0
}

// Record appends one position's result to the report
func (r *VerificationReport) Record(result CheckResult) {
	r.Checked++
	r.Results = append(r.Results, result)
	switch result.Status {
	case CheckInvalid:
		r.Failures = append(r.Failures, result)
	case CheckUnknown:
		r.Unknown = append(r.Unknown, result)
	}
}
