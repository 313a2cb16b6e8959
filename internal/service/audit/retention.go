package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
	"github.com/opsledger/opsledger/internal/metrics"
)

// RetentionGate is the only component allowed to authorize archival of
// ledger ranges. It never deletes anything itself: it computes which
// records a policy may act on, always subtracting records pinned by active
// legal holds, and the external archival step consumes the result.
//
// Hold lifecycle operations serialize per case, so a concurrent release and
// re-apply on the same case cannot interleave; different cases proceed
// independently.
type RetentionGate struct {
	store   audit.LedgerStore
	holds   audit.HoldRepository
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	caseLocks map[string]*sync.Mutex

	now func() time.Time
}

func NewRetentionGate(store audit.LedgerStore, holds audit.HoldRepository, logger *zap.Logger, m *metrics.Metrics) *RetentionGate {
	return &RetentionGate{
		store:     store,
		holds:     holds,
		logger:    logger,
		metrics:   m,
		caseLocks: make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EligibleForAction computes which records the policy may archive as of the
// given instant: records matching the policy's predicate whose age exceeds
// the retention period, minus every record covered by a hold that is still
// active. The result is compressed into sequence ranges for the archival
// component.
func (g *RetentionGate) EligibleForAction(ctx context.Context, policy *audit.RetentionPolicy, asOf time.Time) ([]audit.SequenceRange, error) {
	if policy == nil {
		return nil, errors.NewValidationError("MISSING_POLICY", "retention policy is required")
	}

	cutoff := policy.RetentionPeriod.CutoffAt(asOf.UTC())

	filter := audit.RecordFilter{
		EndTime:         &cutoff,
		SafetyLevel:     policy.SafetyLevel,
		ExecutionStatus: policy.ExecutionStatus,
	}
	expired, err := g.store.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "listing expired records")
	}
	if len(expired) == 0 {
		return nil, nil
	}

	activeHolds, err := g.holds.ActiveHolds(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing active holds")
	}

	var eligible []int64
	var held int64
	for _, record := range expired {
		if coveredByAny(activeHolds, record.Timestamp) {
			held++
			continue
		}
		eligible = append(eligible, record.Sequence)
	}

	if g.metrics != nil {
		g.metrics.HeldRecords.Set(float64(held))
	}
	g.logger.Info("retention eligibility computed",
		zap.String("policy", policy.Name),
		zap.Time("cutoff", cutoff),
		zap.Int("expired", len(expired)),
		zap.Int64("held", held),
		zap.Int("eligible", len(eligible)))

	return audit.CompressSequences(eligible), nil
}

func coveredByAny(holds []*audit.LegalHold, ts time.Time) bool {
	for _, h := range holds {
		if h.Covers(ts) {
			return true
		}
	}
	return false
}

// ApplyLegalHold creates an active hold over the window and counts the
// records it pins. Holds are metadata only; no checksum-relevant field is
// touched, so chain integrity is unaffected.
func (g *RetentionGate) ApplyLegalHold(ctx context.Context, caseID, description string, start time.Time, end *time.Time, createdBy string) (*audit.LegalHold, error) {
	unlock := g.lockCase(caseID)
	defer unlock()

	if existing, err := g.holds.GetHoldByCase(ctx, caseID); err == nil && existing.IsActive() {
		return nil, errors.NewOverlapError("an active hold for this case already exists")
	}

	hold, err := audit.NewLegalHold(caseID, description, start, end, createdBy)
	if err != nil {
		return nil, err
	}

	count, err := g.store.Count(ctx, audit.RecordFilter{
		StartTime: &hold.StartTime,
		EndTime:   hold.EndTime,
	})
	if err != nil {
		return nil, errors.Wrap(err, "counting held records")
	}
	hold.RecordCount = count

	if err := g.holds.CreateHold(ctx, hold); err != nil {
		return nil, err
	}

	g.logger.Info("legal hold applied",
		zap.String("case_id", hold.CaseID),
		zap.Time("start", hold.StartTime),
		zap.Int64("record_count", hold.RecordCount))

	return hold, nil
}

// ReleaseLegalHold releases the active hold for a case. Releasing a hold
// that is not active fails with an invalid-state error.
func (g *RetentionGate) ReleaseLegalHold(ctx context.Context, caseID, releasedBy, reason string) (*audit.LegalHold, error) {
	if reason == "" {
		return nil, errors.NewValidationError("MISSING_RELEASE_REASON",
			"a release reason must be recorded")
	}

	unlock := g.lockCase(caseID)
	defer unlock()

	hold, err := g.holds.GetHoldByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if err := hold.Release(releasedBy, reason); err != nil {
		return nil, err
	}

	if err := g.holds.UpdateHold(ctx, hold); err != nil {
		return nil, err
	}

	g.logger.Info("legal hold released",
		zap.String("case_id", hold.CaseID),
		zap.String("reason", reason))

	return hold, nil
}

// CreatePolicy validates and stores a retention policy.
func (g *RetentionGate) CreatePolicy(ctx context.Context, name string, period time.Duration, priority int, automatic bool) (*audit.RetentionPolicy, error) {
	retention, err := values.NewRetentionPeriod(period)
	if err != nil {
		return nil, err
	}

	policy, err := audit.NewRetentionPolicy(name, retention, priority)
	if err != nil {
		return nil, err
	}
	policy.Automatic = automatic

	if err := g.holds.CreatePolicy(ctx, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// EvaluateAutomaticPolicies runs EligibleForAction for every automatic
// policy, highest priority first. Read-only; results feed the archiver.
func (g *RetentionGate) EvaluateAutomaticPolicies(ctx context.Context) (map[string][]audit.SequenceRange, error) {
	policies, err := g.holds.ListPolicies(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing retention policies")
	}

	asOf := g.now()
	results := make(map[string][]audit.SequenceRange)
	claimed := make(map[int64]bool)

	for _, policy := range policies {
		if !policy.Automatic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		ranges, err := g.EligibleForAction(ctx, policy, asOf)
		if err != nil {
			return results, err
		}

		// Higher priority policies claim overlapping records first.
		var unclaimed []int64
		for _, rng := range ranges {
			for seq := rng.From; seq <= rng.To; seq++ {
				if !claimed[seq] {
					claimed[seq] = true
					unclaimed = append(unclaimed, seq)
				}
			}
		}
		if len(unclaimed) > 0 {
			results[policy.Name] = audit.CompressSequences(unclaimed)
		}
	}

	return results, nil
}

func (g *RetentionGate) lockCase(caseID string) func() {
	g.mu.Lock()
	lock, ok := g.caseLocks[caseID]
	if !ok {
		lock = &sync.Mutex{}
		g.caseLocks[caseID] = lock
	}
	g.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
