package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/audit"
)

// Compliance violation types.
const (
	ViolationTypeUnauthorizedDangerous   = "unauthorized_dangerous_operations"
	ViolationTypeUnauthenticatedActivity = "unauthenticated_high_volume"
	ViolationTypeRepeatedFailures        = "repeated_command_failures"
)

// UnauthorizedDangerousRule flags actors who repeatedly execute dangerous
// commands successfully without a recorded approval. An approval marker from
// the same actor inside the grace window authorizes subsequent dangerous
// operations until the window slides past it.
type UnauthorizedDangerousRule struct {
	// Threshold is the count at or above which a violation is raised.
	Threshold int
	// ApprovalGrace is how long one approval marker stays effective.
	ApprovalGrace time.Duration
}

func NewUnauthorizedDangerousRule() *UnauthorizedDangerousRule {
	return &UnauthorizedDangerousRule{
		Threshold:     3,
		ApprovalGrace: time.Hour,
	}
}

func (r *UnauthorizedDangerousRule) Name() string { return "unauthorized-dangerous" }

func (r *UnauthorizedDangerousRule) Framework() audit.Framework { return audit.FrameworkSOX }

func (r *UnauthorizedDangerousRule) Evaluate(records []*audit.AuditRecord) []*audit.ComplianceViolation {
	type actorState struct {
		lastApproval time.Time
		unapproved   []int64
	}
	actors := make(map[uuid.UUID]*actorState)

	// Records arrive in chain order, so one forward pass tracks each
	// actor's most recent approval.
	for _, rec := range records {
		if rec.ActorID == nil {
			continue
		}
		state := actors[*rec.ActorID]
		if state == nil {
			state = &actorState{}
			actors[*rec.ActorID] = state
		}

		if rec.IsApprovalMarker() {
			state.lastApproval = rec.Timestamp
			continue
		}

		if !rec.IsDangerous() || !rec.IsSuccessful() {
			continue
		}
		if !state.lastApproval.IsZero() && rec.Timestamp.Sub(state.lastApproval) <= r.ApprovalGrace {
			continue
		}
		state.unapproved = append(state.unapproved, rec.Sequence)
	}

	var violations []*audit.ComplianceViolation
	for actorID, state := range actors {
		if len(state.unapproved) < r.Threshold {
			continue
		}
		v, err := audit.NewComplianceViolation(
			audit.FrameworkSOX,
			ViolationTypeUnauthorizedDangerous,
			audit.SeverityCritical,
			fmt.Sprintf("actor %s executed %d dangerous operations without approval",
				actorID, len(state.unapproved)),
			state.unapproved,
		)
		if err != nil {
			continue
		}
		violations = append(violations, v)
	}
	return violations
}

// UnauthenticatedActivityRule flags bursts of records with no attributed
// actor coming from one client address.
type UnauthenticatedActivityRule struct {
	Threshold int
}

func NewUnauthenticatedActivityRule() *UnauthenticatedActivityRule {
	return &UnauthenticatedActivityRule{Threshold: 5}
}

func (r *UnauthenticatedActivityRule) Name() string { return "unauthenticated-activity" }

func (r *UnauthenticatedActivityRule) Framework() audit.Framework { return audit.FrameworkSOC2 }

func (r *UnauthenticatedActivityRule) Evaluate(records []*audit.AuditRecord) []*audit.ComplianceViolation {
	byAddress := make(map[string][]int64)
	for _, rec := range records {
		if rec.IsAuthenticated() || !rec.IsSuccessful() {
			continue
		}
		addr := "unknown"
		if rec.ClientIP != nil {
			addr = *rec.ClientIP
		}
		byAddress[addr] = append(byAddress[addr], rec.Sequence)
	}

	var violations []*audit.ComplianceViolation
	for addr, seqs := range byAddress {
		if len(seqs) < r.Threshold {
			continue
		}
		v, err := audit.NewComplianceViolation(
			audit.FrameworkSOC2,
			ViolationTypeUnauthenticatedActivity,
			audit.SeverityHigh,
			fmt.Sprintf("%d unauthenticated operations from %s", len(seqs), addr),
			seqs,
		)
		if err != nil {
			continue
		}
		violations = append(violations, v)
	}
	return violations
}

// RepeatedFailureRule flags actors whose commands keep failing, which in
// audited environments usually means permission probing.
type RepeatedFailureRule struct {
	Threshold int
}

func NewRepeatedFailureRule() *RepeatedFailureRule {
	return &RepeatedFailureRule{Threshold: 10}
}

func (r *RepeatedFailureRule) Name() string { return "repeated-failures" }

func (r *RepeatedFailureRule) Framework() audit.Framework { return audit.FrameworkHIPAA }

func (r *RepeatedFailureRule) Evaluate(records []*audit.AuditRecord) []*audit.ComplianceViolation {
	byActor := make(map[uuid.UUID][]int64)
	for _, rec := range records {
		if rec.ActorID == nil || rec.ExecutionStatus != audit.ExecutionStatusFailed {
			continue
		}
		byActor[*rec.ActorID] = append(byActor[*rec.ActorID], rec.Sequence)
	}

	var violations []*audit.ComplianceViolation
	for actorID, seqs := range byActor {
		if len(seqs) < r.Threshold {
			continue
		}
		v, err := audit.NewComplianceViolation(
			audit.FrameworkHIPAA,
			ViolationTypeRepeatedFailures,
			audit.SeverityMedium,
			fmt.Sprintf("actor %s accumulated %d failed operations", actorID, len(seqs)),
			seqs,
		)
		if err != nil {
			continue
		}
		violations = append(violations, v)
	}
	return violations
}

// DefaultRules returns the standard rule set registered at startup.
func DefaultRules() []Rule {
	return []Rule{
		NewUnauthorizedDangerousRule(),
		NewUnauthenticatedActivityRule(),
		NewRepeatedFailureRule(),
	}
}
