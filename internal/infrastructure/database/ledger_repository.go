package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// ledgerLockID is the advisory lock key that serializes appends. All writer
// instances sharing one database share one logical chain.
const ledgerLockID = 0x0a5d1ed6e4

// LedgerRepository implements audit.LedgerStore on PostgreSQL.
//
// Appends run inside a transaction holding pg_advisory_xact_lock, so the
// read-tail, compute-checksum, insert sequence is a single critical section
// across every writer process. Readers never take the lock; they see only
// committed rows, which is the consistent snapshot the verifier needs.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const ledgerColumns = `sequence, actor_id, session_id, query_text, generated_command,
	safety_level, execution_result, execution_status, cluster_context,
	namespace_context, recorded_at, client_ip, client_agent,
	format_version, checksum, previous_checksum`

// Append runs build inside the append critical section and persists the
// returned record at the current tail.
func (r *LedgerRepository) Append(ctx context.Context, build func(tail audit.ChainTail) (*audit.AuditRecord, error)) (*audit.AuditRecord, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to begin append transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Blocks until every earlier append's transaction completes.
	// Released automatically at commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", ledgerLockID); err != nil {
		return nil, errors.NewStorageFailureError("failed to acquire append lock").WithCause(err)
	}

	tail, err := readTail(ctx, tx)
	if err != nil {
		return nil, err
	}

	record, err := build(tail)
	if err != nil {
		return nil, err
	}

	if err := insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.NewStorageFailureError("failed to commit append").WithCause(err)
	}

	return record, nil
}

func readTail(ctx context.Context, tx pgx.Tx) (audit.ChainTail, error) {
	var (
		lastSeq  int64
		lastHash string
	)
	err := tx.QueryRow(ctx,
		"SELECT sequence, checksum FROM audit_records ORDER BY sequence DESC LIMIT 1").
		Scan(&lastSeq, &lastHash)
	if err == pgx.ErrNoRows {
		return audit.ChainTail{NextSequence: 0, LastChecksum: values.GenesisHash()}, nil
	}
	if err != nil {
		return audit.ChainTail{}, errors.NewStorageFailureError("failed to read chain tail").WithCause(err)
	}

	checksum, err := values.NewHashValue(lastHash)
	if err != nil {
		return audit.ChainTail{}, errors.NewIntegrityViolationError(
			fmt.Sprintf("stored tail checksum at sequence %d is malformed", lastSeq)).WithCause(err)
	}

	return audit.ChainTail{NextSequence: lastSeq + 1, LastChecksum: checksum}, nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, record *audit.AuditRecord) error {
	var resultJSON []byte
	if record.ExecutionResult != nil {
		var err error
		resultJSON, err = json.Marshal(record.ExecutionResult)
		if err != nil {
			return errors.NewValidationError("UNSERIALIZABLE_RESULT",
				"execution result cannot be serialized").WithCause(err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_records (
			sequence, actor_id, session_id, query_text, generated_command,
			safety_level, execution_result, execution_status, cluster_context,
			namespace_context, recorded_at, client_ip, client_agent,
			format_version, checksum, previous_checksum
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		record.Sequence,
		uuidParam(record.ActorID),
		uuidParam(record.SessionID),
		record.QueryText,
		record.GeneratedCommand,
		string(record.SafetyLevel),
		resultJSON,
		string(record.ExecutionStatus),
		record.ClusterContext,
		record.NamespaceContext,
		record.Timestamp,
		record.ClientIP,
		record.ClientAgent,
		record.FormatVersion,
		record.Checksum.String(),
		record.PreviousChecksum.String(),
	)
	if err != nil {
		return errors.NewStorageFailureError("failed to insert audit record").WithCause(err)
	}
	return nil
}

// Tail returns the current chain tail without appending.
func (r *LedgerRepository) Tail(ctx context.Context) (audit.ChainTail, error) {
	var (
		lastSeq  int64
		lastHash string
	)
	err := r.pool.QueryRow(ctx,
		"SELECT sequence, checksum FROM audit_records ORDER BY sequence DESC LIMIT 1").
		Scan(&lastSeq, &lastHash)
	if err == pgx.ErrNoRows {
		return audit.ChainTail{NextSequence: 0, LastChecksum: values.GenesisHash()}, nil
	}
	if err != nil {
		return audit.ChainTail{}, errors.NewStorageFailureError("failed to read chain tail").WithCause(err)
	}

	checksum, err := values.NewHashValue(lastHash)
	if err != nil {
		return audit.ChainTail{}, errors.NewIntegrityViolationError(
			fmt.Sprintf("stored tail checksum at sequence %d is malformed", lastSeq)).WithCause(err)
	}
	return audit.ChainTail{NextSequence: lastSeq + 1, LastChecksum: checksum}, nil
}

// GetBySequence returns the entry at one position.
func (r *LedgerRepository) GetBySequence(ctx context.Context, seq int64) (*audit.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM audit_records WHERE sequence = $1", ledgerColumns), seq)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to query record").WithCause(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewStorageFailureError("failed to query record").WithCause(err)
		}
		return nil, errors.ErrRecordNotFound
	}

	entry := scanEntry(rows)
	return entry, nil
}

// ScanRange streams entries in [from, to] ascending, delivering undecodable
// rows with DecodeErr set instead of aborting.
func (r *LedgerRepository) ScanRange(ctx context.Context, from, to int64, fn func(*audit.LedgerEntry) error) error {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM audit_records WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC",
		ledgerColumns), from, to)
	if err != nil {
		return errors.NewStorageFailureError("failed to scan ledger range").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(scanEntry(rows)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewStorageFailureError("ledger range scan interrupted").WithCause(err)
	}
	return nil
}

// scanEntry decodes one row leniently: storage-level failures abort, but a
// row whose payload will not decode comes back with DecodeErr set so
// verification can mark the position instead of going blind.
func scanEntry(rows pgx.Rows) *audit.LedgerEntry {
	var (
		seq              int64
		actorID          uuid.NullUUID
		sessionID        uuid.NullUUID
		queryText        string
		generatedCommand string
		safetyLevel      string
		resultJSON       []byte
		executionStatus  string
		clusterContext   sql.NullString
		namespaceContext sql.NullString
		recordedAt       time.Time
		clientIP         sql.NullString
		clientAgent      sql.NullString
		formatVersion    int
		checksumHex      string
		prevChecksumHex  string
	)

	if err := rows.Scan(&seq, &actorID, &sessionID, &queryText, &generatedCommand,
		&safetyLevel, &resultJSON, &executionStatus, &clusterContext,
		&namespaceContext, &recordedAt, &clientIP, &clientAgent,
		&formatVersion, &checksumHex, &prevChecksumHex); err != nil {
		return &audit.LedgerEntry{Sequence: seq, DecodeErr: err}
	}

	record := &audit.AuditRecord{
		Sequence:         seq,
		ActorID:          uuidPtr(actorID),
		SessionID:        uuidPtr(sessionID),
		QueryText:        queryText,
		GeneratedCommand: generatedCommand,
		SafetyLevel:      audit.SafetyLevel(safetyLevel),
		ExecutionStatus:  audit.ExecutionStatus(executionStatus),
		ClusterContext:   strPtr(clusterContext),
		NamespaceContext: strPtr(namespaceContext),
		Timestamp:        recordedAt.UTC(),
		ClientIP:         strPtr(clientIP),
		ClientAgent:      strPtr(clientAgent),
		FormatVersion:    formatVersion,
	}

	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &record.ExecutionResult); err != nil {
			return &audit.LedgerEntry{Sequence: seq, DecodeErr: fmt.Errorf("execution result: %w", err)}
		}
	}

	checksum, err := values.NewHashValue(strings.TrimSpace(checksumHex))
	if err != nil {
		return &audit.LedgerEntry{Sequence: seq, DecodeErr: fmt.Errorf("checksum: %w", err)}
	}
	record.Checksum = checksum

	prev, err := values.NewHashValue(strings.TrimSpace(prevChecksumHex))
	if err != nil {
		return &audit.LedgerEntry{Sequence: seq, DecodeErr: fmt.Errorf("previous checksum: %w", err)}
	}
	record.PreviousChecksum = prev

	return &audit.LedgerEntry{Sequence: seq, Record: record}
}

// List returns decoded records matching the filter, newest first.
func (r *LedgerRepository) List(ctx context.Context, filter audit.RecordFilter) ([]*audit.AuditRecord, error) {
	where, args := buildRecordFilter(filter)

	query := fmt.Sprintf("SELECT %s FROM audit_records%s ORDER BY sequence DESC", ledgerColumns, where)
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
		return nil, errors.NewStorageFailureError("failed to list records").WithCause(err)
	}
	defer rows.Close()

	var records []*audit.AuditRecord
	for rows.Next() {
		entry := scanEntry(rows)
		if entry.DecodeErr != nil {
			return nil, errors.NewIntegrityViolationError(
				fmt.Sprintf("record at sequence %d is unreadable", entry.Sequence)).WithCause(entry.DecodeErr)
		}
		records = append(records, entry.Record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailureError("record listing interrupted").WithCause(err)
	}
	return records, nil
}

// Count returns how many records match the filter.
func (r *LedgerRepository) Count(ctx context.Context, filter audit.RecordFilter) (int64, error) {
	where, args := buildRecordFilter(filter)

	var count int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.NewStorageFailureError("failed to count records").WithCause(err)
	}
	return count, nil
}

// Summarize aggregates matching records in one pass.
func (r *LedgerRepository) Summarize(ctx context.Context, filter audit.RecordFilter) (*audit.Summary, error) {
	where, args := buildRecordFilter(filter)

	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN safety_level = 'safe' THEN 1 END),
			COUNT(CASE WHEN safety_level = 'warning' THEN 1 END),
			COUNT(CASE WHEN safety_level = 'dangerous' THEN 1 END),
			COUNT(CASE WHEN execution_status = 'success' THEN 1 END),
			COUNT(CASE WHEN execution_status = 'failed' THEN 1 END),
			COUNT(CASE WHEN execution_status = 'cancelled' THEN 1 END)
		FROM audit_records` + where

	var s audit.Summary
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&s.Total, &s.Safe, &s.Warning, &s.Dangerous,
		&s.Succeeded, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, errors.NewStorageFailureError("failed to summarize records").WithCause(err)
	}
	return &s, nil
}

// buildRecordFilter translates a RecordFilter into a WHERE clause with
// positional args. Limit and Offset are the caller's business.
func buildRecordFilter(filter audit.RecordFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorID != nil {
		add("actor_id = $%d", *filter.ActorID)
	}
	if filter.SessionID != nil {
		add("session_id = $%d", *filter.SessionID)
	}
	if filter.SafetyLevel != nil {
		add("safety_level = $%d", string(*filter.SafetyLevel))
	}
	if filter.ExecutionStatus != nil {
		add("execution_status = $%d", string(*filter.ExecutionStatus))
	}
	if filter.StartTime != nil {
		add("recorded_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("recorded_at <= $%d", *filter.EndTime)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func uuidParam(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
