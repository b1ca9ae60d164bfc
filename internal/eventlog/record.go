package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a record.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category groups records. API calls and state changes are shipped immediately.
type Category string

const (
	CategoryAPICall     Category = "api_call"
	CategoryStateChange Category = "state_change"
	CategoryFlow        Category = "flow"
	CategoryAuth        Category = "auth"
	CategoryError       Category = "error"
)

// HighPriority reports whether records of this category trigger an immediate flush.
func (c Category) HighPriority() bool {
	return c == CategoryAPICall || c == CategoryStateChange
}

// Record is a single log entry.
type Record struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId,omitempty"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Batch is the unit shipped to the log backend.
type Batch struct {
	BatchID   string    `json:"batchId"`
	Checksum  string    `json:"checksum"`
	Records   []Record  `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrChecksumMismatch is returned when a batch's checksum does not match its records.
var ErrChecksumMismatch = errors.New("batch checksum mismatch")

// NewBatch stamps records with a fresh batch ID and checksum.
func NewBatch(records []Record, now time.Time) (Batch, error) {
	sum, err := Checksum(records)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		BatchID:   uuid.NewString(),
		Checksum:  sum,
		Records:   records,
		Timestamp: now.UTC(),
	}, nil
}

// Checksum returns the hex SHA-256 of the compact JSON encoding of records.
func Checksum(records []Record) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return checksumBytes(data), nil
}

func checksumBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// VerifyRaw checks a checksum against the raw JSON of a records array as received
// on the wire. Whitespace differences are ignored.
func VerifyRaw(checksum string, rawRecords json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, rawRecords); err != nil {
		return fmt.Errorf("compact records: %w", err)
	}
	if checksumBytes(buf.Bytes()) != checksum {
		return ErrChecksumMismatch
	}
	return nil
}
