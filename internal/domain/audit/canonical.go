package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

// Format versions. Any change to the canonical field set, serialization order,
// or digest algorithm is a breaking change to the chain format and gets a new
// version; the verifier selects the codec matching each record's tag.
const (
	FormatVersionV1 = 1

	CurrentFormatVersion = FormatVersionV1
)

// Codec deterministically serializes a record's content fields into the byte
// sequence used as digest input.
type Codec interface {
	Version() int
	Canonicalize(r *AuditRecord) ([]byte, error)
}

// codecRegistry maps format versions to codecs. Registration happens at init;
// the set is read-only afterwards.
var codecRegistry = map[int]Codec{
	FormatVersionV1: codecV1{},
}

// CodecFor returns the codec for the given format version, or a
// FormatVersionMismatch error for unknown versions.
func CodecFor(version int) (Codec, error) {
	codec, ok := codecRegistry[version]
	if !ok {
		return nil, errors.NewFormatVersionError(version)
	}
	return codec, nil
}

// ComputeChecksum computes the record's checksum: the digest over the
// canonical content bytes concatenated with the previous record's checksum
// (genesis sentinel for sequence 0).
func ComputeChecksum(r *AuditRecord, previous values.HashValue) (values.HashValue, error) {
	codec, err := CodecFor(r.FormatVersion)
	if err != nil {
		return values.HashValue{}, err
	}

	canonical, err := codec.Canonicalize(r)
	if err != nil {
		return values.HashValue{}, err
	}

	input := make([]byte, 0, len(canonical)+len(previous.String()))
	input = append(input, canonical...)
	input = append(input, previous.String()...)

	return values.ComputeHashValue(input), nil
}

// NormalizeExecutionResult rewrites a result payload into its JSON-decoded
// shape: numbers as float64, nested objects as map[string]interface{}. JSONB
// storage hands records back in exactly that shape, so sealing over it keeps
// the canonical bytes identical across a storage roundtrip. Integer values
// beyond 2^53 lose precision here, before the checksum commits to them;
// callers that care should send such values as strings.
func NormalizeExecutionResult(result map[string]interface{}) (map[string]interface{}, error) {
	if result == nil {
		return nil, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.NewValidationError("UNSERIALIZABLE_RESULT",
			"execution result cannot be serialized").WithCause(err)
	}

	normalized := make(map[string]interface{}, len(result))
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, errors.NewValidationError("UNSERIALIZABLE_RESULT",
			"execution result cannot be serialized").WithCause(err)
	}
	return normalized, nil
}

// codecV1 canonicalizes records as JSON with a fixed key set. encoding/json
// emits map keys in sorted order, which makes the output deterministic for
// map-typed fields including nested execution results.
//
// Absent optional fields serialize to an empty-string placeholder, so a record
// with an explicit null is indistinguishable from one where the field was
// never set. This is intentional: the chain commits to content, not to how
// the collaborator expressed absence.
type codecV1 struct{}

func (codecV1) Version() int { return FormatVersionV1 }

func (codecV1) Canonicalize(r *AuditRecord) ([]byte, error) {
	resultJSON, err := json.Marshal(r.ExecutionResult)
	if err != nil {
		return nil, errors.NewValidationError("UNSERIALIZABLE_RESULT",
			"execution result cannot be serialized").WithCause(err)
	}

	if len(resultJSON) > MaxExecutionResultBytes {
		return nil, errors.NewValidationError("EXECUTION_RESULT_TOO_LARGE",
			"execution result exceeds maximum size")
	}

	content := map[string]interface{}{
		"sequence":          r.Sequence,
		"actor_id":          uuidOrEmpty(r.ActorID),
		"session_id":        uuidOrEmpty(r.SessionID),
		"query_text":        r.QueryText,
		"generated_command": r.GeneratedCommand,
		"safety_level":      string(r.SafetyLevel),
		"execution_result":  string(resultJSON),
		"execution_status":  string(r.ExecutionStatus),
		"cluster_context":   strOrEmpty(r.ClusterContext),
		"namespace_context": strOrEmpty(r.NamespaceContext),
		"timestamp":         r.Timestamp.UTC().Format(time.RFC3339Nano),
		"client_ip":         strOrEmpty(r.ClientIP),
		"client_agent":      strOrEmpty(r.ClientAgent),
	}

	canonical, err := json.Marshal(content)
	if err != nil {
		return nil, errors.NewInternalError("failed to canonicalize record").WithCause(err)
	}

	return canonical, nil
}

func strOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func uuidOrEmpty(ptr *uuid.UUID) string {
	if ptr == nil {
		return ""
	}
	return ptr.String()
}
