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

// Package workflowstore persists domain.Workflow rows: the "workflows"
// table spec §6's persisted-state layout names, alongside plans/steps/
// events/approvals/checkpoints/queue_tasks/prompts/agents/tools/models/
// learning_patterns each already have their own C-numbered store.
// Grounded on checkpoint.Store and eventlog.go's shared database/sql +
// dialect-aware schema idiom, applied here to the one entity none of the
// other stores owns: the Workflow record itself, which internal/server's
// request entrypoint and workflow endpoints read and update directly.
package workflowstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    workflow_id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64),
    request_type VARCHAR(32),
    current_stage VARCHAR(32) NOT NULL,
    status VARCHAR(32) NOT NULL,
    message TEXT,
    trace_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store is the persistence seam for domain.Workflow.
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
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return s, nil
}

// Create inserts a brand-new Workflow row.
func (s *Store) Create(ctx context.Context, wf *domain.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, session_id, request_type, current_stage, status, message, trace_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, wf.WorkflowID, wf.SessionID, string(wf.RequestType), string(wf.CurrentStage), string(wf.Status), wf.Message, wf.TraceID, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// Update persists wf's current in-memory state over its existing row.
// internal/server calls it once Machine.Run returns and from the
// pause/resume endpoints, not after each stage hop, so a concurrent GET
// workflow sees the stage/status as of the last such call.
func (s *Store) Update(ctx context.Context, wf *domain.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET request_type=$2, current_stage=$3, status=$4, message=$5, updated_at=$6
		WHERE workflow_id=$1
	`, wf.WorkflowID, string(wf.RequestType), string(wf.CurrentStage), string(wf.Status), wf.Message, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// Get looks up a Workflow by id.
func (s *Store) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, session_id, request_type, current_stage, status, message, trace_id, created_at, updated_at
		FROM workflows WHERE workflow_id=$1
	`, workflowID)

	var wf domain.Workflow
	var requestType, currentStage, status string
	if err := row.Scan(&wf.WorkflowID, &wf.SessionID, &requestType, &currentStage, &status, &wf.Message, &wf.TraceID, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("workflow %s not found", workflowID)
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	wf.RequestType = domain.RequestType(requestType)
	wf.CurrentStage = domain.Stage(currentStage)
	wf.Status = domain.WorkflowStatus(status)
	return &wf, nil
}
