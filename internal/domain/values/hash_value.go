package values

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opsledger/opsledger/internal/domain/errors"
)

// HashValue represents a SHA-256 checksum used for ledger chain integrity.
// Stored and compared as a fixed-width lowercase hex string.
type HashValue struct {
	hash string // hex-encoded SHA-256 (64 characters)
}

var sha256HexRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// NewHashValue creates a new HashValue with validation
func NewHashValue(hash string) (HashValue, error) {
	if hash == "" {
		return HashValue{}, errors.NewValidationError("EMPTY_HASH",
			"hash value cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(hash))

	if !sha256HexRegex.MatchString(normalized) {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_FORMAT",
			"hash must be a 64-character hexadecimal string (SHA-256)")
	}

	return HashValue{hash: normalized}, nil
}

// NewHashValueFromBytes creates HashValue from raw digest bytes
func NewHashValueFromBytes(bytes []byte) (HashValue, error) {
	if len(bytes) != sha256.Size {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_LENGTH",
			"hash must be 32 bytes (SHA-256)")
	}

	return HashValue{hash: hex.EncodeToString(bytes)}, nil
}

// ComputeHashValue computes the SHA-256 digest of the given data
func ComputeHashValue(data []byte) HashValue {
	sum := sha256.Sum256(data)
	return HashValue{hash: hex.EncodeToString(sum[:])}
}

// MustNewHashValue creates HashValue and panics on error (for constants/tests)
func MustNewHashValue(hash string) HashValue {
	h, err := NewHashValue(hash)
	if err != nil {
		panic(err)
	}
	return h
}

// GenesisHash is the defined previous-checksum sentinel for the first record
// in a chain (sequence 0): all zeros.
func GenesisHash() HashValue {
	return HashValue{hash: strings.Repeat("0", 64)}
}

// String returns the hex-encoded hash
func (h HashValue) String() string {
	return h.hash
}

// Bytes returns the raw hash bytes
func (h HashValue) Bytes() ([]byte, error) {
	return hex.DecodeString(h.hash)
}

// IsEmpty checks if the hash is unset
func (h HashValue) IsEmpty() bool {
	return h.hash == ""
}

// IsGenesis checks if the hash is the genesis sentinel
func (h HashValue) IsGenesis() bool {
	return h.hash == strings.Repeat("0", 64)
}

// Equal checks if two HashValue objects are equal
func (h HashValue) Equal(other HashValue) bool {
	return h.hash == other.hash
}

// Truncate returns a shortened hash for log output (first 8 characters)
func (h HashValue) Truncate() string {
	if len(h.hash) <= 8 {
		return h.hash
	}
	return h.hash[:8]
}

// MarshalJSON implements JSON marshaling
func (h HashValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.hash)
}

// UnmarshalJSON implements JSON unmarshaling
func (h *HashValue) UnmarshalJSON(data []byte) error {
	var hash string
	if err := json.Unmarshal(data, &hash); err != nil {
		return err
	}

	if hash == "" {
		*h = HashValue{}
		return nil
	}

	hashValue, err := NewHashValue(hash)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}

// Value implements driver.Valuer for database storage
func (h HashValue) Value() (driver.Value, error) {
	if h.hash == "" {
		return nil, nil
	}
	return h.hash, nil
}

// Scan implements sql.Scanner for database retrieval
func (h *HashValue) Scan(value interface{}) error {
	if value == nil {
		*h = HashValue{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into HashValue", value)
	}

	if str == "" {
		*h = HashValue{}
		return nil
	}

	hashValue, err := NewHashValue(str)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}
