// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint implements C5: integrity-hashed snapshots of an
// entity's state, restorable after a crash or redeploy. Grounded on
// pkg/checkpoint/manager.go's Manager (Save/Load/Clear over a storage
// backend) generalized from agent-task checkpoints to arbitrary
// (entity_type, entity_id) pairs, and on eventlog.go's database/sql +
// dialect-aware schema idiom for persistence.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    checkpoint_id VARCHAR(64) PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    entity_id VARCHAR(64) NOT NULL,
    state_blob BYTEA NOT NULL,
    integrity_hash VARCHAR(64) NOT NULL,
    reason VARCHAR(128),
    trace_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_entity ON checkpoints(entity_type, entity_id, created_at DESC);
`

// Store is the C5 component: Save/Load/Clear/Latest over hashed entity
// snapshots.
type Store struct {
	db      *sql.DB
	dialect string
}

// New creates a Store backed by db, initializing its schema.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db, dialect: dialect}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

// Save canonically encodes state, hashes it, and persists a new
// Checkpoint row. state must be JSON-marshalable; map keys are sorted
// before hashing so two logically identical states always hash equal
// regardless of field order.
func (s *Store) Save(ctx context.Context, entityType, entityID string, state any, reason, traceID string) (*domain.Checkpoint, error) {
	blob, hash, err := canonicalize(state)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize checkpoint state: %w", err)
	}

	cp := &domain.Checkpoint{
		CheckpointID:  uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		StateBlob:     blob,
		IntegrityHash: hash,
		Reason:        reason,
		TraceID:       traceID,
		CreatedAt:     time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
		(checkpoint_id, entity_type, entity_id, state_blob, integrity_hash, reason, trace_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		cp.CheckpointID, cp.EntityType, cp.EntityID, cp.StateBlob, cp.IntegrityHash,
		nullableString(cp.Reason), nullableString(cp.TraceID), cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for (entityType, entityID),
// verifying its integrity hash before returning it. A verified caller
// always gets either a hash-valid checkpoint or a CheckpointCorruptError
// — never silently-wrong state.
func (s *Store) Latest(ctx context.Context, entityType, entityID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, entity_type, entity_id, state_blob, integrity_hash, reason, trace_id, created_at
		FROM checkpoints WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC LIMIT 1`, entityType, entityID)
	return scanVerified(row)
}

// Load retrieves a specific checkpoint by id, verifying its integrity
// hash.
func (s *Store) Load(ctx context.Context, checkpointID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, entity_type, entity_id, state_blob, integrity_hash, reason, trace_id, created_at
		FROM checkpoints WHERE checkpoint_id = $1`, checkpointID)
	return scanVerified(row)
}

// Clear removes every checkpoint for (entityType, entityID), called once
// an entity reaches a terminal state and no longer needs to be resumable.
func (s *Store) Clear(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Restore loads the latest checkpoint for (entityType, entityID) and
// unmarshals its state_blob into out (a pointer), returning the
// checkpoint's metadata alongside the populated value.
func (s *Store) Restore(ctx context.Context, entityType, entityID string, out any) (*domain.Checkpoint, error) {
	cp, err := s.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cp.StateBlob, out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return cp, nil
}

func scanVerified(row *sql.Row) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var reason, traceID sql.NullString
	if err := row.Scan(&cp.CheckpointID, &cp.EntityType, &cp.EntityID, &cp.StateBlob,
		&cp.IntegrityHash, &reason, &traceID, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no checkpoint found")
		}
		return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}
	cp.Reason = reason.String
	cp.TraceID = traceID.String

	if hashOf(cp.StateBlob) != cp.IntegrityHash {
		return nil, domain.NewCheckpointCorruptError(cp.CheckpointID)
	}
	return &cp, nil
}

// canonicalize round-trips state through encoding/json twice: once to get
// a map[string]any, and once more after recursively sorting that map's
// keys, so the hashed bytes are stable regardless of the caller's struct
// field order or the json package's own map iteration order.
func canonicalize(state any) (blob []byte, hash string, err error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, "", err
	}
	canonical, err := json.Marshal(sortedValue(generic))
	if err != nil {
		return nil, "", err
	}
	return canonical, hashOf(canonical), nil
}

func hashOf(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// sortedValue recursively rebuilds maps and arrays so nested values are
// canonicalized element-by-element too. The result is still made of plain
// maps; the key order in the encoded JSON comes from encoding/json, which
// sorts map keys.
func sortedValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(val))
		for _, k := range keys {
			ordered[k] = sortedValue(val[k])
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedValue(item)
		}
		return out
	default:
		return val
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
