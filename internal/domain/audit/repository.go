package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/values"
)

// ChainTail is the authoritative end of the ledger: the sequence the
// next record will take and the checksum it must link to. An empty
// ledger has NextSequence 0 and the genesis sentinel as LastChecksum.
type ChainTail struct {
	NextSequence int64            `json:"next_sequence"`
	LastChecksum values.HashValue `json:"last_checksum"`
}

// LedgerEntry is a stored row as read back from the ledger. DecodeErr is
// set when the row exists but its payload could not be decoded into an
// AuditRecord; readers surface such rows instead of aborting the scan.
type LedgerEntry struct {
	Sequence  int64
	Record    *AuditRecord
	DecodeErr error
}

// LedgerStore is the append-only record store. Implementations own the
// serialization of appends: Append runs build inside the store's
// critical section, passing the current tail, and persists the returned
// record at tail.NextSequence. Two concurrent appends never observe the
// same tail. If build returns an error nothing is persisted and no
// sequence is consumed.
type LedgerStore interface {
	Append(ctx context.Context, build func(tail ChainTail) (*AuditRecord, error)) (*AuditRecord, error)

	// Tail returns the current chain tail without appending.
	Tail(ctx context.Context) (ChainTail, error)

	// GetBySequence returns the entry at one position, or
	// errors.ErrRecordNotFound if the position was never written.
	GetBySequence(ctx context.Context, seq int64) (*LedgerEntry, error)

	// ScanRange streams entries in [from, to] in ascending sequence
	// order, invoking fn for each. Rows that fail to decode are still
	// delivered, with DecodeErr set. Returning an error from fn stops
	// the scan.
	ScanRange(ctx context.Context, from, to int64, fn func(*LedgerEntry) error) error

	// List returns decoded records matching the filter, newest first.
	List(ctx context.Context, filter RecordFilter) ([]*AuditRecord, error)

	// Count returns how many records match the filter.
	Count(ctx context.Context, filter RecordFilter) (int64, error)

	// Summarize aggregates matching records.
	Summarize(ctx context.Context, filter RecordFilter) (*Summary, error)
}

// HoldRepository stores legal holds and retention policies.
type HoldRepository interface {
	CreateHold(ctx context.Context, hold *LegalHold) error
	UpdateHold(ctx context.Context, hold *LegalHold) error
	GetHoldByCase(ctx context.Context, caseID string) (*LegalHold, error)
	ListHolds(ctx context.Context, status *HoldStatus) ([]*LegalHold, error)
	// ActiveHolds returns every hold currently in active status.
	ActiveHolds(ctx context.Context) ([]*LegalHold, error)

	CreatePolicy(ctx context.Context, policy *RetentionPolicy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]*RetentionPolicy, error)
}

// ViolationRepository stores compliance violations.
type ViolationRepository interface {
	Create(ctx context.Context, v *ComplianceViolation) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status FindingStatus) error
	List(ctx context.Context, filter ViolationFilter) ([]*ComplianceViolation, error)
	// OpenByTypeAndSequence reports whether an open violation of the
	// given type already covers the sequence. Used for deduplication.
	OpenByTypeAndSequence(ctx context.Context, violationType string, seq int64) (bool, error)
}

// AlertRepository stores tamper alerts.
type AlertRepository interface {
	Create(ctx context.Context, a *TamperAlert) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status FindingStatus) error
	List(ctx context.Context, filter AlertFilter) ([]*TamperAlert, error)
	// OpenBySequence returns open alerts for one ledger position.
	OpenBySequence(ctx context.Context, seq int64) ([]*TamperAlert, error)
}
