package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
)

// ViolationRepository implements audit.ViolationRepository on PostgreSQL.
// Affected sequences are stored as a bigint array; dedup queries use array
// containment so no join table is needed.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

func (r *ViolationRepository) Create(ctx context.Context, v *audit.ComplianceViolation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO compliance_violations (
			id, framework, violation_type, severity, description,
			affected_sequences, detected_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, string(v.Framework), v.ViolationType, string(v.Severity),
		v.Description, v.AffectedSequences, v.DetectedAt, string(v.Status),
	)
	if err != nil {
		return errors.NewStorageFailureError("failed to create compliance violation").WithCause(err)
	}
	return nil
}

func (r *ViolationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status audit.FindingStatus) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE compliance_violations SET status = $2 WHERE id = $1", id, string(status))
	if err != nil {
		return errors.NewStorageFailureError("failed to update violation status").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("compliance violation")
	}
	return nil
}

func (r *ViolationRepository) List(ctx context.Context, filter audit.ViolationFilter) ([]*audit.ComplianceViolation, error) {
	var conditions []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Framework != nil {
		add("framework = $%d", string(*filter.Framework))
	}
	if filter.Severity != nil {
		add("severity = $%d", string(*filter.Severity))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Since != nil {
		add("detected_at >= $%d", *filter.Since)
	}

	query := `SELECT id, framework, violation_type, severity, description,
		affected_sequences, detected_at, status FROM compliance_violations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to list violations").WithCause(err)
	}
	defer rows.Close()

	var violations []*audit.ComplianceViolation
	for rows.Next() {
		var (
			v         audit.ComplianceViolation
			framework string
			severity  string
			status    string
		)
		if err := rows.Scan(&v.ID, &framework, &v.ViolationType, &severity,
			&v.Description, &v.AffectedSequences, &v.DetectedAt, &status); err != nil {
			return nil, errors.NewStorageFailureError("failed to read violation").WithCause(err)
		}
		v.Framework = audit.Framework(framework)
		v.Severity = audit.Severity(severity)
		v.Status = audit.FindingStatus(status)
		violations = append(violations, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailureError("violation listing interrupted").WithCause(err)
	}
	return violations, nil
}

func (r *ViolationRepository) OpenByTypeAndSequence(ctx context.Context, violationType string, seq int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM compliance_violations
			WHERE violation_type = $1
			  AND status IN ('open', 'in_progress')
			  AND affected_sequences @> ARRAY[$2::bigint]
		)`, violationType, seq).Scan(&exists)
	if err != nil {
		return false, errors.NewStorageFailureError("failed to check for open violation").WithCause(err)
	}
	return exists, nil
}

// AlertRepository implements audit.AlertRepository on PostgreSQL.
type AlertRepository struct {
	pool *pgxpool.Pool
}

func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

func (r *AlertRepository) Create(ctx context.Context, a *audit.TamperAlert) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tamper_alerts (
			id, detected_at, affected_sequence, violation_type, severity,
			detection_method, confidence, detail, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.DetectedAt, a.AffectedSequence, a.ViolationType,
		string(a.Severity), string(a.DetectionMethod), a.Confidence,
		a.Detail, string(a.Status),
	)
	if err != nil {
		return errors.NewStorageFailureError("failed to create tamper alert").WithCause(err)
	}
	return nil
}

func (r *AlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status audit.FindingStatus) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE tamper_alerts SET status = $2 WHERE id = $1", id, string(status))
	if err != nil {
		return errors.NewStorageFailureError("failed to update alert status").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("tamper alert")
	}
	return nil
}

func (r *AlertRepository) List(ctx context.Context, filter audit.AlertFilter) ([]*audit.TamperAlert, error) {
	var conditions []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Method != nil {
		add("detection_method = $%d", string(*filter.Method))
	}
	if filter.Severity != nil {
		add("severity = $%d", string(*filter.Severity))
	}
	if filter.Since != nil {
		add("detected_at >= $%d", *filter.Since)
	}

	query := `SELECT id, detected_at, affected_sequence, violation_type,
		severity, detection_method, confidence, detail, status FROM tamper_alerts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to list tamper alerts").WithCause(err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func (r *AlertRepository) OpenBySequence(ctx context.Context, seq int64) ([]*audit.TamperAlert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, detected_at, affected_sequence, violation_type,
			severity, detection_method, confidence, detail, status
		FROM tamper_alerts
		WHERE affected_sequence = $1 AND status IN ('open', 'in_progress')`, seq)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to list open alerts").WithCause(err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]*audit.TamperAlert, error) {
	var alerts []*audit.TamperAlert
	for rows.Next() {
		var (
			a        audit.TamperAlert
			severity string
			method   string
			status   string
		)
		if err := rows.Scan(&a.ID, &a.DetectedAt, &a.AffectedSequence,
			&a.ViolationType, &severity, &method, &a.Confidence,
			&a.Detail, &status); err != nil {
			return nil, errors.NewStorageFailureError("failed to read tamper alert").WithCause(err)
		}
		a.Severity = audit.Severity(severity)
		a.DetectionMethod = audit.DetectionMethod(method)
		a.Status = audit.FindingStatus(status)
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailureError("alert listing interrupted").WithCause(err)
	}
	return alerts, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
