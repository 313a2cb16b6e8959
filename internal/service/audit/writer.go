package audit

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/metrics"
)

// TailCache is an optional read-through cache for the chain tail. Purely an
// optimization for the read side; the writer treats the store as the only
// source of truth and merely refreshes the cache after a successful append.
type TailCache interface {
	SetTail(ctx context.Context, tail audit.ChainTail) error
	GetTail(ctx context.Context) (audit.ChainTail, bool, error)
	Invalidate(ctx context.Context) error
}

// WriterConfig bounds the append path.
type WriterConfig struct {
	// AppendTimeout caps how long one append may wait for the critical
	// section plus the durable write.
	AppendTimeout time.Duration
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		AppendTimeout: 5 * time.Second,
	}
}

// ChainWriter is the only component allowed to extend the ledger. All
// appends funnel through the store's critical section, so concurrent
// callers serialize and every record links to the true tail.
type ChainWriter struct {
	store   audit.LedgerStore
	cache   TailCache
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  WriterConfig

	now func() time.Time
}

// NewChainWriter creates the writer. cache may be nil.
func NewChainWriter(store audit.LedgerStore, cache TailCache, logger *zap.Logger, m *metrics.Metrics, config WriterConfig) *ChainWriter {
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = DefaultWriterConfig().AppendTimeout
	}

	return &ChainWriter{
		store:   store,
		cache:   cache,
		logger:  logger,
		metrics: m,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append validates the candidate, then appends it to the ledger inside the
// store's critical section. Returns the fully assigned record.
//
// Error contract:
//   - validation failures return a ValidationError before any sequence is
//     consumed;
//   - failure to win the critical section within the configured bound
//     returns a retryable ConcurrencyTimeout;
//   - a durable-write failure is re-verified against the store before being
//     surfaced, so a retry after StorageFailure cannot duplicate a record
//     that actually landed.
func (w *ChainWriter) Append(ctx context.Context, candidate *audit.RecordCandidate) (*audit.AuditRecord, error) {
	start := w.now()

	if candidate == nil {
		return nil, errors.NewValidationError("MISSING_CANDIDATE", "record candidate is required")
	}
	if err := candidate.Validate(); err != nil {
		w.countAppend("validation_rejected")
		return nil, err
	}

	appendCtx, cancel := context.WithTimeout(ctx, w.config.AppendTimeout)
	defer cancel()

	var sealed *audit.AuditRecord

	record, err := w.store.Append(appendCtx, func(tail audit.ChainTail) (*audit.AuditRecord, error) {
		r, sealErr := w.seal(candidate, tail)
		if sealErr != nil {
			return nil, sealErr
		}
		sealed = r
		return r, nil
	})
	if err != nil {
		return w.classifyAppendFailure(ctx, err, sealed)
	}

	w.countAppend("success")
	if w.metrics != nil {
		w.metrics.AppendDuration.Observe(w.now().Sub(start).Seconds())
		w.metrics.ChainLength.Set(float64(record.Sequence + 1))
	}

	w.refreshTailCache(ctx, audit.ChainTail{
		NextSequence: record.Sequence + 1,
		LastChecksum: record.Checksum,
	})

	w.logger.Info("record appended",
		zap.Int64("sequence", record.Sequence),
		zap.String("checksum", record.Checksum.Truncate()),
		zap.String("safety_level", string(record.SafetyLevel)))

	return record, nil
}

// seal turns a candidate into a chained record at the given tail. Runs
// inside the store's critical section. The execution result is normalized to
// its JSON-decoded shape first, so the checksum commits to the same bytes
// the store will hand back.
func (w *ChainWriter) seal(candidate *audit.RecordCandidate, tail audit.ChainTail) (*audit.AuditRecord, error) {
	result, err := audit.NormalizeExecutionResult(candidate.ExecutionResult)
	if err != nil {
		return nil, err
	}

	record := &audit.AuditRecord{
		Sequence:         tail.NextSequence,
		ActorID:          candidate.ActorID,
		SessionID:        candidate.SessionID,
		QueryText:        candidate.QueryText,
		GeneratedCommand: candidate.GeneratedCommand,
		SafetyLevel:      candidate.SafetyLevel,
		ExecutionResult:  result,
		ExecutionStatus:  candidate.ExecutionStatus,
		ClusterContext:   candidate.ClusterContext,
		NamespaceContext: candidate.NamespaceContext,
		ClientIP:         candidate.ClientIP,
		ClientAgent:      candidate.ClientAgent,
		Timestamp:        w.now(),
		FormatVersion:    audit.CurrentFormatVersion,
		PreviousChecksum: tail.LastChecksum,
	}

	checksum, err := audit.ComputeChecksum(record, tail.LastChecksum)
	if err != nil {
		return nil, err
	}
	record.Checksum = checksum

	return record, nil
}

// classifyAppendFailure maps a failed store append onto the error contract.
// When the failure is ambiguous about persistence, the intended position is
// re-read so the caller never retries a write that already landed.
func (w *ChainWriter) classifyAppendFailure(ctx context.Context, err error, sealed *audit.AuditRecord) (*audit.AuditRecord, error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Type == errors.ErrorTypeValidation {
		w.countAppend("validation_rejected")
		return nil, err
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		w.countAppend("concurrency_timeout")
		w.logger.Warn("append timed out waiting for critical section",
			zap.Duration("timeout", w.config.AppendTimeout))
		return nil, errors.NewConcurrencyTimeoutError(
			"append could not complete within the configured bound").WithCause(err)
	}

	if sealed != nil {
		if persisted := w.reverify(ctx, sealed); persisted != nil {
			w.countAppend("recovered")
			w.logger.Warn("append reported failure but record persisted",
				zap.Int64("sequence", persisted.Sequence))
			w.refreshTailCache(ctx, audit.ChainTail{
				NextSequence: persisted.Sequence + 1,
				LastChecksum: persisted.Checksum,
			})
			return persisted, nil
		}
	}

	w.countAppend("storage_failure")
	if w.cache != nil {
		// The tail may have moved underneath the failure; do not serve
		// a stale cached tail.
		_ = w.cache.Invalidate(ctx)
	}
	w.logger.Error("append failed", zap.Error(err))
	return nil, errors.NewStorageFailureError("durable write failed").WithCause(err)
}

// reverify checks whether the record the failed append sealed actually
// landed at its intended sequence. Checksum equality identifies the record
// unambiguously, so a concurrent writer winning the same position after our
// failure is never mistaken for our own write.
func (w *ChainWriter) reverify(ctx context.Context, sealed *audit.AuditRecord) *audit.AuditRecord {
	verifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.AppendTimeout)
	defer cancel()

	entry, err := w.store.GetBySequence(verifyCtx, sealed.Sequence)
	if err != nil || entry.DecodeErr != nil || entry.Record == nil {
		return nil
	}
	if !entry.Record.Checksum.Equal(sealed.Checksum) {
		return nil
	}
	return entry.Record
}

func (w *ChainWriter) refreshTailCache(ctx context.Context, tail audit.ChainTail) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SetTail(ctx, tail); err != nil {
		w.logger.Debug("tail cache refresh failed", zap.Error(err))
	}
}

func (w *ChainWriter) countAppend(outcome string) {
	if w.metrics != nil {
		w.metrics.AppendsTotal.WithLabelValues(outcome).Inc()
	}
}
