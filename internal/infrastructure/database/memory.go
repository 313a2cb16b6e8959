package database

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// MemoryLedgerStore is an in-memory audit.LedgerStore. A single mutex spans
// the whole read-tail, build, persist sequence, which gives it the same
// append serialization contract as the PostgreSQL store. Used by tests and
// by the standalone development mode.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	records []*audit.AuditRecord
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{}
}

func (s *MemoryLedgerStore) Append(ctx context.Context, build func(tail audit.ChainTail) (*audit.AuditRecord, error)) (*audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := build(s.tailLocked())
	if err != nil {
		return nil, err
	}

	s.records = append(s.records, record.Clone())
	return record, nil
}

func (s *MemoryLedgerStore) tailLocked() audit.ChainTail {
	if len(s.records) == 0 {
		return audit.ChainTail{NextSequence: 0, LastChecksum: values.GenesisHash()}
	}
	last := s.records[len(s.records)-1]
	return audit.ChainTail{NextSequence: last.Sequence + 1, LastChecksum: last.Checksum}
}

func (s *MemoryLedgerStore) Tail(ctx context.Context) (audit.ChainTail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked(), nil
}

func (s *MemoryLedgerStore) GetBySequence(ctx context.Context, seq int64) (*audit.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Sequence == seq {
			return &audit.LedgerEntry{Sequence: seq, Record: r.Clone()}, nil
		}
	}
	return nil, errors.ErrRecordNotFound
}

func (s *MemoryLedgerStore) ScanRange(ctx context.Context, from, to int64, fn func(*audit.LedgerEntry) error) error {
	s.mu.Lock()
	snapshot := make([]*audit.AuditRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Sequence >= from && r.Sequence <= to {
			snapshot = append(snapshot, r.Clone())
		}
	}
	s.mu.Unlock()

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&audit.LedgerEntry{Sequence: r.Sequence, Record: r}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryLedgerStore) List(ctx context.Context, filter audit.RecordFilter) ([]*audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*audit.AuditRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if filter.Matches(s.records[i]) {
			matched = append(matched, s.records[i].Clone())
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryLedgerStore) Count(ctx context.Context, filter audit.RecordFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, r := range s.records {
		if filter.Matches(r) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryLedgerStore) Summarize(ctx context.Context, filter audit.RecordFilter) (*audit.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary audit.Summary
	for _, r := range s.records {
		if filter.Matches(r) {
			summary.Add(r)
		}
	}
	return &summary, nil
}

// Tamper mutates a stored record in place. Only tests use this; the public
// interfaces offer no way to reach it.
func (s *MemoryLedgerStore) Tamper(seq int64, mutate func(*audit.AuditRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Sequence == seq {
			mutate(r)
			return true
		}
	}
	return false
}

// MemoryHoldRepository is an in-memory audit.HoldRepository.
type MemoryHoldRepository struct {
	mu       sync.Mutex
	holds    map[uuid.UUID]*audit.LegalHold
	byCase   map[string]uuid.UUID
	policies map[uuid.UUID]*audit.RetentionPolicy
}

func NewMemoryHoldRepository() *MemoryHoldRepository {
	return &MemoryHoldRepository{
		holds:    make(map[uuid.UUID]*audit.LegalHold),
		byCase:   make(map[string]uuid.UUID),
		policies: make(map[uuid.UUID]*audit.RetentionPolicy),
	}
}

func (m *MemoryHoldRepository) CreateHold(ctx context.Context, hold *audit.LegalHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byCase[hold.CaseID]; exists {
		return errors.NewConflictError("a hold for this case already exists")
	}
	copied := *hold
	m.holds[hold.ID] = &copied
	m.byCase[hold.CaseID] = hold.ID
	return nil
}

func (m *MemoryHoldRepository) UpdateHold(ctx context.Context, hold *audit.LegalHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.holds[hold.ID]; !exists {
		return errors.ErrHoldNotFound
	}
	copied := *hold
	m.holds[hold.ID] = &copied
	return nil
}

func (m *MemoryHoldRepository) GetHoldByCase(ctx context.Context, caseID string) (*audit.LegalHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCase[caseID]
	if !ok {
		return nil, errors.ErrHoldNotFound
	}
	copied := *m.holds[id]
	return &copied, nil
}

func (m *MemoryHoldRepository) ListHolds(ctx context.Context, status *audit.HoldStatus) ([]*audit.LegalHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var holds []*audit.LegalHold
	for _, h := range m.holds {
		if status == nil || h.Status == *status {
			copied := *h
			holds = append(holds, &copied)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.After(holds[j].CreatedAt) })
	return holds, nil
}

func (m *MemoryHoldRepository) ActiveHolds(ctx context.Context) ([]*audit.LegalHold, error) {
	active := audit.HoldStatusActive
	return m.ListHolds(ctx, &active)
}

func (m *MemoryHoldRepository) CreatePolicy(ctx context.Context, policy *audit.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *policy
	m.policies[policy.ID] = &copied
	return nil
}

func (m *MemoryHoldRepository) GetPolicy(ctx context.Context, id uuid.UUID) (*audit.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, errors.ErrPolicyNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *MemoryHoldRepository) ListPolicies(ctx context.Context) ([]*audit.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var policies []*audit.RetentionPolicy
	for _, p := range m.policies {
		copied := *p
		policies = append(policies, &copied)
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].CreatedAt.Before(policies[j].CreatedAt)
	})
	return policies, nil
}

// MemoryViolationRepository is an in-memory audit.ViolationRepository.
type MemoryViolationRepository struct {
	mu         sync.Mutex
	violations []*audit.ComplianceViolation
}

func NewMemoryViolationRepository() *MemoryViolationRepository {
	return &MemoryViolationRepository{}
}

func (m *MemoryViolationRepository) Create(ctx context.Context, v *audit.ComplianceViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *v
	copied.AffectedSequences = append([]int64(nil), v.AffectedSequences...)
	m.violations = append(m.violations, &copied)
	return nil
}

func (m *MemoryViolationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status audit.FindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.violations {
		if v.ID == id {
			v.Status = status
			return nil
		}
	}
	return errors.NewNotFoundError("compliance violation")
}

func (m *MemoryViolationRepository) List(ctx context.Context, filter audit.ViolationFilter) ([]*audit.ComplianceViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.ComplianceViolation
	for i := len(m.violations) - 1; i >= 0; i-- {
		v := m.violations[i]
		if filter.Framework != nil && v.Framework != *filter.Framework {
			continue
		}
		if filter.Severity != nil && v.Severity != *filter.Severity {
			continue
		}
		if filter.Status != nil && v.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && v.DetectedAt.Before(*filter.Since) {
			continue
		}
		copied := *v
		copied.AffectedSequences = append([]int64(nil), v.AffectedSequences...)
		out = append(out, &copied)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryViolationRepository) OpenByTypeAndSequence(ctx context.Context, violationType string, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.violations {
		if v.ViolationType != violationType || !v.Status.IsOpen() {
			continue
		}
		for _, s := range v.AffectedSequences {
			if s == seq {
				return true, nil
			}
		}
	}
	return false, nil
}

// MemoryAlertRepository is an in-memory audit.AlertRepository.
type MemoryAlertRepository struct {
	mu     sync.Mutex
	alerts []*audit.TamperAlert
}

func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{}
}

func (m *MemoryAlertRepository) Create(ctx context.Context, a *audit.TamperAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *a
	m.alerts = append(m.alerts, &copied)
	return nil
}

func (m *MemoryAlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status audit.FindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id {
			a.Status = status
			return nil
		}
	}
	return errors.NewNotFoundError("tamper alert")
}

func (m *MemoryAlertRepository) List(ctx context.Context, filter audit.AlertFilter) ([]*audit.TamperAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.TamperAlert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.Method != nil && a.DetectionMethod != *filter.Method {
			continue
		}
		if filter.Severity != nil && a.Severity != *filter.Severity {
			continue
		}
		if filter.Since != nil && a.DetectedAt.Before(*filter.Since) {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryAlertRepository) OpenBySequence(ctx context.Context, seq int64) ([]*audit.TamperAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.TamperAlert
	for _, a := range m.alerts {
		if a.AffectedSequence == seq && a.Status.IsOpen() {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}
