package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// HoldRepository implements audit.HoldRepository on PostgreSQL. The unique
// index on case_id backs the one-active-hold-per-case rule.
type HoldRepository struct {
	pool *pgxpool.Pool
}

func NewHoldRepository(pool *pgxpool.Pool) *HoldRepository {
	return &HoldRepository{pool: pool}
}

const holdColumns = `id, case_id, description, start_time, end_time, status,
	created_by, created_at, released_at, released_by, release_reason, record_count`

func (r *HoldRepository) CreateHold(ctx context.Context, hold *audit.LegalHold) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO legal_holds (
			id, case_id, description, start_time, end_time, status,
			created_by, created_at, released_at, released_by, release_reason, record_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		hold.ID, hold.CaseID, hold.Description, hold.StartTime, hold.EndTime,
		string(hold.Status), hold.CreatedBy, hold.CreatedAt,
		hold.ReleasedAt, nullStr(hold.ReleasedBy), nullStr(hold.ReleaseReason),
		hold.RecordCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("a hold for this case already exists").WithCause(err)
		}
		return errors.NewStorageFailureError("failed to create legal hold").WithCause(err)
	}
	return nil
}

func (r *HoldRepository) UpdateHold(ctx context.Context, hold *audit.LegalHold) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE legal_holds SET
			status = $2, released_at = $3, released_by = $4,
			release_reason = $5, record_count = $6
		WHERE id = $1`,
		hold.ID, string(hold.Status), hold.ReleasedAt,
		nullStr(hold.ReleasedBy), nullStr(hold.ReleaseReason), hold.RecordCount,
	)
	if err != nil {
		return errors.NewStorageFailureError("failed to update legal hold").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrHoldNotFound
	}
	return nil
}

func (r *HoldRepository) GetHoldByCase(ctx context.Context, caseID string) (*audit.LegalHold, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+holdColumns+" FROM legal_holds WHERE case_id = $1", caseID)
	return scanHold(row)
}

func (r *HoldRepository) ListHolds(ctx context.Context, status *audit.HoldStatus) ([]*audit.LegalHold, error) {
	query := "SELECT " + holdColumns + " FROM legal_holds"
	var args []any
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to list legal holds").WithCause(err)
	}
	defer rows.Close()

	var holds []*audit.LegalHold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailureError("legal hold listing interrupted").WithCause(err)
	}
	return holds, nil
}

func (r *HoldRepository) ActiveHolds(ctx context.Context) ([]*audit.LegalHold, error) {
	active := audit.HoldStatusActive
	return r.ListHolds(ctx, &active)
}

func scanHold(row pgx.Row) (*audit.LegalHold, error) {
	var (
		hold          audit.LegalHold
		status        string
		releasedBy    sql.NullString
		releaseReason sql.NullString
	)
	err := row.Scan(&hold.ID, &hold.CaseID, &hold.Description, &hold.StartTime,
		&hold.EndTime, &status, &hold.CreatedBy, &hold.CreatedAt,
		&hold.ReleasedAt, &releasedBy, &releaseReason, &hold.RecordCount)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrHoldNotFound
	}
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to read legal hold").WithCause(err)
	}

	hold.Status = audit.HoldStatus(status)
	hold.StartTime = hold.StartTime.UTC()
	hold.ReleasedBy = releasedBy.String
	hold.ReleaseReason = releaseReason.String
	return &hold, nil
}

func (r *HoldRepository) CreatePolicy(ctx context.Context, policy *audit.RetentionPolicy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO retention_policies (
			id, name, retention_ns, safety_level, execution_status,
			automatic, priority, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, policy.Name, policy.RetentionPeriod.Duration().Nanoseconds(),
		safetyLevelParam(policy.SafetyLevel), executionStatusParam(policy.ExecutionStatus),
		policy.Automatic, policy.Priority, policy.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("a policy with this name already exists").WithCause(err)
		}
		return errors.NewStorageFailureError("failed to create retention policy").WithCause(err)
	}
	return nil
}

func (r *HoldRepository) GetPolicy(ctx context.Context, id uuid.UUID) (*audit.RetentionPolicy, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, retention_ns, safety_level, execution_status,
			automatic, priority, created_at
		FROM retention_policies WHERE id = $1`, id)

	policy, err := scanPolicy(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrPolicyNotFound
	}
	return policy, err
}

func (r *HoldRepository) ListPolicies(ctx context.Context) ([]*audit.RetentionPolicy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, retention_ns, safety_level, execution_status,
			automatic, priority, created_at
		FROM retention_policies ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to list retention policies").WithCause(err)
	}
	defer rows.Close()

	var policies []*audit.RetentionPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailureError("retention policy listing interrupted").WithCause(err)
	}
	return policies, nil
}

func scanPolicy(row pgx.Row) (*audit.RetentionPolicy, error) {
	var (
		policy      audit.RetentionPolicy
		retentionNS int64
		safety      sql.NullString
		execStatus  sql.NullString
	)
	err := row.Scan(&policy.ID, &policy.Name, &retentionNS, &safety,
		&execStatus, &policy.Automatic, &policy.Priority, &policy.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to read retention policy").WithCause(err)
	}

	period, err := values.NewRetentionPeriod(time.Duration(retentionNS))
	if err != nil {
		return nil, errors.NewStorageFailureError("stored retention period is invalid").WithCause(err)
	}
	policy.RetentionPeriod = period

	if safety.Valid {
		level := audit.SafetyLevel(safety.String)
		policy.SafetyLevel = &level
	}
	if execStatus.Valid {
		status := audit.ExecutionStatus(execStatus.String)
		policy.ExecutionStatus = &status
	}
	return &policy, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func safetyLevelParam(level *audit.SafetyLevel) sql.NullString {
	if level == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*level), Valid: true}
}

func executionStatusParam(status *audit.ExecutionStatus) sql.NullString {
	if status == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*status), Valid: true}
}
