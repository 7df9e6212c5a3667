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

// Package eventlog implements C1: the append-only, causally-linked,
// canonical ExecutionEvent store — the orchestrator's single observability
// truth. Grounded on pkg/agent/task_service_sql.go's SQL-backed service
// idiom (dialect-aware schema, JSON-encoded columns, database/sql) and on
// pkg/observability's structured-logging/tracing conventions for the
// in-process emission path.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

// Filter narrows by_workflow queries.
type Filter struct {
	Stage         domain.Stage
	ComponentRole domain.ComponentRole
	Since         time.Time
	Limit         int
}

// EventLog is the C1 component: append, children, by_workflow, stream.
type EventLog struct {
	db      *sql.DB
	dialect string

	subMu       sync.Mutex
	subscribers map[string][]*subscription
}

type subscription struct {
	ch     chan *domain.ExecutionEvent
	closed bool
}

const subscriberBuffer = 64

const createTableSQL = `
CREATE TABLE IF NOT EXISTS execution_events (
    event_id VARCHAR(64) PRIMARY KEY,
    workflow_id VARCHAR(64) NOT NULL,
    session_id VARCHAR(64) NOT NULL,
    stage VARCHAR(32) NOT NULL,
    component_role VARCHAR(32) NOT NULL,
    component_name VARCHAR(128) NOT NULL,
    decision_source VARCHAR(16) NOT NULL,
    status VARCHAR(32) NOT NULL,
    input_summary TEXT,
    output_summary TEXT,
    reason_code VARCHAR(64),
    parent_event_id VARCHAR(64),
    event_metadata TEXT,
    prompt_id VARCHAR(64),
    prompt_version INTEGER,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_workflow ON execution_events(workflow_id);
CREATE INDEX IF NOT EXISTS idx_events_workflow_parent ON execution_events(workflow_id, parent_event_id);
`

// New creates an EventLog backed by db, initializing its schema.
func New(db *sql.DB, dialect string) (*EventLog, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	l := &EventLog{db: db, dialect: dialect, subscribers: make(map[string][]*subscription)}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return l, nil
}

// Append records an event atomically and returns its id. It is the single
// place DecisionSource is required to already be stamped by the caller
// (RuntimeContext.Emit stamps it); append itself rejects an empty value.
func (l *EventLog) Append(ctx context.Context, event *domain.ExecutionEvent) (string, error) {
	if event.DecisionSource == "" {
		return "", fmt.Errorf("event_metadata.decision_source must be stamped before append")
	}
	if !event.Stage.Valid() {
		return "", fmt.Errorf("event stage %q is not canonical", event.Stage)
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ParentEventID != "" {
		var parentTS time.Time
		var parentWF string
		err := l.db.QueryRowContext(ctx, `SELECT timestamp, workflow_id FROM execution_events WHERE event_id = $1`, event.ParentEventID).Scan(&parentTS, &parentWF)
		if err == nil {
			if parentTS.After(event.Timestamp) {
				event.Timestamp = parentTS.Add(time.Nanosecond)
			}
			if parentWF != "" && parentWF != event.WorkflowID {
				return "", fmt.Errorf("parent event %s belongs to a different workflow", event.ParentEventID)
			}
		}
	}

	metaJSON, err := json.Marshal(event.EventMetadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode event_metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO execution_events
		(event_id, workflow_id, session_id, stage, component_role, component_name,
		 decision_source, status, input_summary, output_summary, reason_code,
		 parent_event_id, event_metadata, prompt_id, prompt_version, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		event.EventID, event.WorkflowID, event.SessionID, string(event.Stage),
		string(event.ComponentRole), event.ComponentName, string(event.DecisionSource),
		event.Status, domain.Truncate(event.InputSummary), domain.Truncate(event.OutputSummary),
		event.ReasonCode, nullableString(event.ParentEventID), string(metaJSON),
		nullableString(event.PromptID), event.PromptVersion, event.Timestamp)
	if err != nil {
		return "", domain.NewEventLogUnavailableError(err)
	}

	slog.Debug("event appended", "event_id", event.EventID, "workflow_id", event.WorkflowID, "stage", event.Stage)
	l.publish(event)
	return event.EventID, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Children returns the direct children of eventID (events whose
// parent_event_id equals it).
func (l *EventLog) Children(ctx context.Context, eventID string) ([]*domain.ExecutionEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM execution_events WHERE parent_event_id = $1 ORDER BY timestamp ASC`, eventID)
	if err != nil {
		return nil, domain.NewEventLogUnavailableError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByWorkflow returns events for a workflow, optionally filtered, ordered
// by timestamp ascending (total order per spec §4.1).
func (l *EventLog) ByWorkflow(ctx context.Context, workflowID string, filter *Filter) ([]*domain.ExecutionEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM execution_events WHERE workflow_id = $1`
	args := []any{workflowID}
	n := 2
	if filter != nil {
		if filter.Stage != "" {
			query += fmt.Sprintf(" AND stage = $%d", n)
			args = append(args, string(filter.Stage))
			n++
		}
		if filter.ComponentRole != "" {
			query += fmt.Sprintf(" AND component_role = $%d", n)
			args = append(args, string(filter.ComponentRole))
			n++
		}
		if !filter.Since.IsZero() {
			query += fmt.Sprintf(" AND timestamp >= $%d", n)
			args = append(args, filter.Since)
			n++
		}
	}
	query += " ORDER BY timestamp ASC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewEventLogUnavailableError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

const selectColumns = `event_id, workflow_id, session_id, stage, component_role, component_name,
	decision_source, status, input_summary, output_summary, reason_code,
	parent_event_id, event_metadata, prompt_id, prompt_version, timestamp`

func scanEvents(rows *sql.Rows) ([]*domain.ExecutionEvent, error) {
	var out []*domain.ExecutionEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEventRow(rows *sql.Rows) (*domain.ExecutionEvent, error) {
	var ev domain.ExecutionEvent
	var stage, role, source, parentID, promptID, metaJSON sql.NullString
	var promptVersion sql.NullInt64

	if err := rows.Scan(&ev.EventID, &ev.WorkflowID, &ev.SessionID, &stage, &role, &ev.ComponentName,
		&source, &ev.Status, &ev.InputSummary, &ev.OutputSummary, &ev.ReasonCode,
		&parentID, &metaJSON, &promptID, &promptVersion, &ev.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	ev.Stage = domain.Stage(stage.String)
	ev.ComponentRole = domain.ComponentRole(role.String)
	ev.DecisionSource = domain.DecisionSource(source.String)
	ev.ParentEventID = parentID.String
	ev.PromptID = promptID.String
	ev.PromptVersion = int(promptVersion.Int64)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &ev.EventMetadata)
	}
	return &ev, nil
}

// Stream subscribes to append-ordered events for a workflow. A slow
// subscriber whose buffer is full is dropped rather than blocking
// producers: its channel is closed and a warning with
// reason_code=subscriber_lag is logged. No marker event is sent on the
// channel or appended to the log.
func (l *EventLog) Stream(workflowID string) <-chan *domain.ExecutionEvent {
	sub := &subscription{ch: make(chan *domain.ExecutionEvent, subscriberBuffer)}
	l.subMu.Lock()
	l.subscribers[workflowID] = append(l.subscribers[workflowID], sub)
	l.subMu.Unlock()
	return sub.ch
}

func (l *EventLog) publish(event *domain.ExecutionEvent) {
	l.subMu.Lock()
	subs := l.subscribers[event.WorkflowID]
	l.subMu.Unlock()

	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is lagging: close its channel and log it, never
			// block the producer.
			l.subMu.Lock()
			sub.closed = true
			close(sub.ch)
			l.subMu.Unlock()
			slog.Warn("event subscriber dropped for lag", "workflow_id", event.WorkflowID, "reason_code", "subscriber_lag")
		}
	}
}
