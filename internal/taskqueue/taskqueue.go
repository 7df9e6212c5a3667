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

// Package taskqueue implements C6: a leased, retried, priority FIFO queue.
// Persistence follows eventlog.go's database/sql + dialect-aware schema
// idiom; transactional lease acquisition uses Postgres's
// `SELECT ... FOR UPDATE SKIP LOCKED` when the caller is on Postgres, the
// pattern SPEC_FULL.md §4.6 calls for so multiple workers never race the
// same row; for sqlite (tests and single-writer dev setups) the same
// SELECT runs in an ordinary transaction with no row-locking clause. Exponential backoff with jitter is grounded on
// pkg/agent/task_status_retry.go's `initialBackoff * 2^attempt` idiom.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS queue_tasks (
    task_id VARCHAR(64) PRIMARY KEY,
    queue_id VARCHAR(64) NOT NULL,
    priority INTEGER NOT NULL,
    payload TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    state VARCHAR(16) NOT NULL,
    lease_owner VARCHAR(64),
    next_visible_at TIMESTAMP NOT NULL,
    enqueued_at TIMESTAMP NOT NULL,
    lease_expiry TIMESTAMP,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_tasks_lease ON queue_tasks(queue_id, state, priority DESC, next_visible_at ASC, enqueued_at ASC);
`

const maxBackoff = time.Hour

// Config bounds queue behavior: per-queue concurrency cap and the
// visibility-timeout duration leased tasks get before they're considered
// lost.
type Config struct {
	MaxConcurrent   int
	VisibilityTimeout time.Duration
	BackoffBase     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 300 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Queue is the C6 component: Enqueue/Lease/Succeed/Fail over a leased
// priority FIFO.
type Queue struct {
	db      *sql.DB
	dialect string
	cfg     Config
}

// New creates a Queue backed by db, initializing its schema.
func New(db *sql.DB, dialect string, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	q := &Queue{db: db, dialect: dialect, cfg: cfg.withDefaults()}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize task queue schema: %w", err)
	}
	return q, nil
}

// Enqueue inserts a new queued task.
func (q *Queue) Enqueue(ctx context.Context, queueID string, priority int, payload map[string]any, maxAttempts int) (*domain.QueueTask, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	now := time.Now()
	task := &domain.QueueTask{
		TaskID:        uuid.New().String(),
		QueueID:       queueID,
		Priority:      priority,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		State:         domain.QueueQueued,
		NextVisibleAt: now,
		EnqueuedAt:    now,
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks
		(task_id, queue_id, priority, payload, attempts, max_attempts, state, next_visible_at, enqueued_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8)`,
		task.TaskID, task.QueueID, task.Priority, string(payloadJSON),
		task.MaxAttempts, string(task.State), task.NextVisibleAt, task.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task, nil
}

// Lease claims the highest-priority eligible task for workerID, first
// reclaiming any task whose visibility timeout has lapsed. Returns nil,
// nil if nothing is currently leasable (spec §4.6: "lease(...) →
// task_or_empty").
func (q *Queue) Lease(ctx context.Context, workerID, queueID string) (*domain.QueueTask, error) {
	if err := q.reclaimExpiredLeases(ctx, queueID); err != nil {
		return nil, err
	}

	if leased, err := q.countLeased(ctx, queueID); err != nil {
		return nil, err
	} else if leased >= q.cfg.MaxConcurrent {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	selectSQL := `
		SELECT task_id, queue_id, priority, payload, attempts, max_attempts, state, next_visible_at, enqueued_at
		FROM queue_tasks
		WHERE queue_id = $1 AND state = $2 AND next_visible_at <= $3
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1`
	if q.dialect == "postgres" {
		selectSQL += " FOR UPDATE SKIP LOCKED"
	}

	now := time.Now()
	row := tx.QueryRowContext(ctx, selectSQL, queueID, string(domain.QueueQueued), now)

	var task domain.QueueTask
	var payloadJSON, state string
	if err := row.Scan(&task.TaskID, &task.QueueID, &task.Priority, &payloadJSON,
		&task.Attempts, &task.MaxAttempts, &state, &task.NextVisibleAt, &task.EnqueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select leasable task: %w", err)
	}
	_ = json.Unmarshal([]byte(payloadJSON), &task.Payload)

	task.State = domain.QueueLeased
	task.LeaseOwner = workerID
	task.LeaseExpiry = now.Add(q.cfg.VisibilityTimeout)

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_tasks SET state = $1, lease_owner = $2, lease_expiry = $3 WHERE task_id = $4`,
		string(task.State), task.LeaseOwner, task.LeaseExpiry, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task leased: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return &task, nil
}

// Succeed marks a leased task terminally succeeded.
func (q *Queue) Succeed(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_tasks SET state = $1, lease_owner = NULL WHERE task_id = $2`,
		string(domain.QueueSucceeded), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}
	return nil
}

// Fail records a task failure. If retry is true and attempts remain, the
// task is requeued with exponential backoff and jitter; otherwise (or once
// attempts are exhausted) it moves to dead and a QueueDeadLetterError is
// returned so the caller can surface the terminal failure.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error, retry bool) error {
	var attempts, maxAttempts int
	row := q.db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM queue_tasks WHERE task_id = $1`, taskID)
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		return fmt.Errorf("failed to load task for failure handling: %w", err)
	}

	attempts++
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	if retry && attempts < maxAttempts {
		nextVisible := time.Now().Add(backoffDelay(q.cfg.BackoffBase, attempts))
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_tasks SET state = $1, attempts = $2, next_visible_at = $3, lease_owner = NULL, last_error = $4
			WHERE task_id = $5`,
			string(domain.QueueQueued), attempts, nextVisible, lastError, taskID)
		if err != nil {
			return fmt.Errorf("failed to requeue task: %w", err)
		}
		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET state = $1, attempts = $2, lease_owner = NULL, last_error = $3 WHERE task_id = $4`,
		string(domain.QueueDead), attempts, lastError, taskID)
	if err != nil {
		return fmt.Errorf("failed to dead-letter task: %w", err)
	}
	return domain.NewQueueDeadLetterError(taskID)
}

// backoffDelay implements spec §4.6's retry schedule:
// min(base * 2^(attempts-1), 3600s) plus jitter, grounded on
// task_status_retry.go's `initialBackoff * 2^attempt` doubling.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base * time.Duration(1<<uint(attempts-1))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// reclaimExpiredLeases returns leased tasks whose visibility timeout has
// passed back to queued, incrementing attempts (spec §4.6: "Lost leases ...
// become queued again with incremented attempts").
func (q *Queue) reclaimExpiredLeases(ctx context.Context, queueID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET state = $1, attempts = attempts + 1, lease_owner = NULL
		WHERE queue_id = $2 AND state = $3 AND lease_expiry IS NOT NULL AND lease_expiry < $4`,
		string(domain.QueueQueued), queueID, string(domain.QueueLeased), time.Now())
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	return nil
}

func (q *Queue) countLeased(ctx context.Context, queueID string) (int, error) {
	var n int
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks WHERE queue_id = $1 AND state = $2`,
		queueID, string(domain.QueueLeased))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count leased tasks: %w", err)
	}
	return n, nil
}
