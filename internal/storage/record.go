package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the envelope version written by this build.
const SchemaVersion = 1

// ErrSchemaMismatch is returned when a stored record has an unexpected kind or version.
var ErrSchemaMismatch = errors.New("storage: schema mismatch")

// Envelope wraps every persisted record with its kind and schema version.
type Envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Put stores v under key wrapped in an Envelope of the given kind.
func Put(ctx context.Context, s Store, key, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	env, err := json.Marshal(Envelope{
		Version: SchemaVersion,
		Kind:    kind,
		SavedAt: time.Now().UTC(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.Set(ctx, key, string(env))
}

// Load reads key into v, verifying kind and version. Records that fail the check
// are left in place; callers decide whether to discard them.
func Load(ctx context.Context, s Store, key, kind string, v any) (*Envelope, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %s is not an envelope", ErrSchemaMismatch, key)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: %s has kind %q, want %q", ErrSchemaMismatch, key, env.Kind, kind)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrSchemaMismatch, key, env.Version, SchemaVersion)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, key, err)
	}
	return &env, nil
}
