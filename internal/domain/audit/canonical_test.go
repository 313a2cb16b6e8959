package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsledger/opsledger/internal/domain/errors"
	"github.com/opsledger/opsledger/internal/domain/values"
)

func testRecord(t *testing.T, seq int64) *AuditRecord {
	t.Helper()

	actorID := uuid.New()
	cluster := "prod-east"

	return &AuditRecord{
		Sequence:         seq,
		ActorID:          &actorID,
		QueryText:        "list pods in kube-system",
		GeneratedCommand: "kubectl get pods -n kube-system",
		SafetyLevel:      SafetyLevelSafe,
		ExecutionStatus:  ExecutionStatusSuccess,
		ClusterContext:   &cluster,
		Timestamp:        time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		FormatVersion:    FormatVersionV1,
	}
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	record := testRecord(t, 7)
	prev := values.ComputeHashValue([]byte("previous"))

	first, err := ComputeChecksum(record, prev)
	require.NoError(t, err)

	second, err := ComputeChecksum(record.Clone(), prev)
	require.NoError(t, err)

	assert.True(t, first.Equal(second), "identical content must hash identically")
}

func TestComputeChecksum_MapKeyOrderIrrelevant(t *testing.T) {
	// Build the same execution result twice with different insertion
	// order. Canonicalization must produce the same digest either way.
	a := testRecord(t, 3)
	a.ExecutionResult = map[string]interface{}{}
	a.ExecutionResult["stdout"] = "ok"
	a.ExecutionResult["exit_code"] = float64(0)
	a.ExecutionResult["duration_ms"] = float64(42)

	b := testRecord(t, 3)
	b.ActorID = a.ActorID
	b.ExecutionResult = map[string]interface{}{}
	b.ExecutionResult["duration_ms"] = float64(42)
	b.ExecutionResult["exit_code"] = float64(0)
	b.ExecutionResult["stdout"] = "ok"

	prev := values.GenesisHash()

	hashA, err := ComputeChecksum(a, prev)
	require.NoError(t, err)
	hashB, err := ComputeChecksum(b, prev)
	require.NoError(t, err)

	assert.True(t, hashA.Equal(hashB))
}

func TestComputeChecksum_AbsentFieldPlaceholder(t *testing.T) {
	// A nil optional field and an explicit empty string canonicalize to
	// the same placeholder.
	withNil := testRecord(t, 1)
	withNil.NamespaceContext = nil

	empty := ""
	withEmpty := testRecord(t, 1)
	withEmpty.ActorID = withNil.ActorID
	withEmpty.NamespaceContext = &empty

	prev := values.GenesisHash()

	hashNil, err := ComputeChecksum(withNil, prev)
	require.NoError(t, err)
	hashEmpty, err := ComputeChecksum(withEmpty, prev)
	require.NoError(t, err)

	assert.True(t, hashNil.Equal(hashEmpty))
}

func TestComputeChecksum_SensitiveToContent(t *testing.T) {
	prev := values.GenesisHash()
	base := testRecord(t, 5)

	baseline, err := ComputeChecksum(base, prev)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *AuditRecord)
	}{
		{
			name:   "query text",
			mutate: func(r *AuditRecord) { r.QueryText = "list pods in default" },
		},
		{
			name:   "generated command",
			mutate: func(r *AuditRecord) { r.GeneratedCommand = "kubectl get pods" },
		},
		{
			name:   "safety level",
			mutate: func(r *AuditRecord) { r.SafetyLevel = SafetyLevelDangerous },
		},
		{
			name:   "sequence",
			mutate: func(r *AuditRecord) { r.Sequence = 6 },
		},
		{
			name:   "timestamp",
			mutate: func(r *AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) },
		},
		{
			name:   "unicode query text",
			mutate: func(r *AuditRecord) { r.QueryText = "ポッドを一覧表示 🚀" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base.Clone()
			tt.mutate(mutated)

			hash, err := ComputeChecksum(mutated, prev)
			require.NoError(t, err)
			assert.False(t, hash.Equal(baseline), "mutation must change the checksum")
		})
	}
}

func TestComputeChecksum_SensitiveToPrevious(t *testing.T) {
	record := testRecord(t, 2)

	withGenesis, err := ComputeChecksum(record, values.GenesisHash())
	require.NoError(t, err)

	withOther, err := ComputeChecksum(record, values.ComputeHashValue([]byte("other")))
	require.NoError(t, err)

	assert.False(t, withGenesis.Equal(withOther))
}

func TestComputeChecksum_TimestampNormalizedToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)

	utc := testRecord(t, 0)
	local := testRecord(t, 0)
	local.ActorID = utc.ActorID
	local.Timestamp = utc.Timestamp.In(est)

	prev := values.GenesisHash()

	hashUTC, err := ComputeChecksum(utc, prev)
	require.NoError(t, err)
	hashLocal, err := ComputeChecksum(local, prev)
	require.NoError(t, err)

	assert.True(t, hashUTC.Equal(hashLocal))
}

func TestComputeChecksum_UnknownFormatVersion(t *testing.T) {
	record := testRecord(t, 0)
	record.FormatVersion = 99

	_, err := ComputeChecksum(record, values.GenesisHash())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFormatVersion))
}

func TestCodecFor(t *testing.T) {
	codec, err := CodecFor(FormatVersionV1)
	require.NoError(t, err)
	assert.Equal(t, FormatVersionV1, codec.Version())

	_, err = CodecFor(0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFormatVersion))
}
