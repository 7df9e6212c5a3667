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

package reflector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

// Store is the persistence seam Reflector depends on: recording and
// recalling LearningPatterns, and tracking per-prompt performance
// metrics. *SQLStore satisfies this directly against database/sql.
type Store interface {
	RecordObservation(ctx context.Context, kind domain.LearningKind, level domain.ReflectionLevel, signature string, succeeded bool) (*domain.LearningPattern, error)
	Recall(ctx context.Context, signature string) (*domain.LearningPattern, bool, error)
	RecordPromptOutcome(ctx context.Context, promptID string, version int, succeeded bool, latencyMs int64) (*PromptMetrics, error)
	PromptMetrics(ctx context.Context, promptID string, version int) (*PromptMetrics, error)
}

// PromptMetrics is the rolling performance record for a single
// (prompt_id, prompt_version) pair (spec §4.11: "successes/failures/
// moving-avg latency per prompt_id").
type PromptMetrics struct {
	PromptID       string
	Version        int
	Successes      int
	Failures       int
	AvgLatencyMs   float64
}

// SuccessRate is successes/(successes+failures), 1.0 with no observations
// yet (an optimistic prior). It is a plain ratio, not Laplace-smoothed
// like domain.Metrics.Trust.
func (m *PromptMetrics) SuccessRate() float64 {
	total := m.Successes + m.Failures
	if total == 0 {
		return 1.0
	}
	return float64(m.Successes) / float64(total)
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS learning_patterns (
    pattern_id VARCHAR(64) PRIMARY KEY,
    kind VARCHAR(32) NOT NULL,
    level VARCHAR(16) NOT NULL,
    signature VARCHAR(256) NOT NULL UNIQUE,
    success_count INTEGER NOT NULL DEFAULT 0,
    sample_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_patterns_signature ON learning_patterns(signature);

CREATE TABLE IF NOT EXISTS prompt_metrics (
    prompt_id VARCHAR(64) NOT NULL,
    prompt_version INTEGER NOT NULL,
    successes INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    avg_latency_ms REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (prompt_id, prompt_version)
);
`

// SQLStore is the C11 persistence component, following eventlog.go's
// database/sql schema idiom.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a Store backed by db, initializing its schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStore{db: db}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize reflector schema: %w", err)
	}
	return s, nil
}

// RecordObservation upserts the pattern for signature, incrementing its
// sample_count and (if succeeded) success_count, and returns the
// resulting pattern.
func (s *SQLStore) RecordObservation(ctx context.Context, kind domain.LearningKind, level domain.ReflectionLevel, signature string, succeeded bool) (*domain.LearningPattern, error) {
	now := time.Now()
	successIncrement := 0
	if succeeded {
		successIncrement = 1
	}

	existing, found, err := s.Recall(ctx, signature)
	if err != nil {
		return nil, err
	}

	if !found {
		pattern := &domain.LearningPattern{
			PatternID:           newPatternID(),
			Kind:                kind,
			Level:               level,
			Signature:           signature,
			ObservedSuccessRate: float64(successIncrement),
			SampleCount:         1,
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learning_patterns
			(pattern_id, kind, level, signature, success_count, sample_count, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			pattern.PatternID, string(kind), string(level), signature, successIncrement, 1, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record learning pattern: %w", err)
		}
		return pattern, nil
	}

	newSampleCount := existing.SampleCount + 1
	newSuccessCount := int(existing.ObservedSuccessRate*float64(existing.SampleCount)) + successIncrement
	newRate := float64(newSuccessCount) / float64(newSampleCount)

	_, err = s.db.ExecContext(ctx, `
		UPDATE learning_patterns SET success_count = $1, sample_count = $2, updated_at = $3
		WHERE signature = $4`,
		newSuccessCount, newSampleCount, now, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to update learning pattern: %w", err)
	}

	existing.ObservedSuccessRate = newRate
	existing.SampleCount = newSampleCount
	return existing, nil
}

// Recall looks up the pattern for signature, if any.
func (s *SQLStore) Recall(ctx context.Context, signature string) (*domain.LearningPattern, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pattern_id, kind, level, success_count, sample_count
		FROM learning_patterns WHERE signature = $1`, signature)

	var pattern domain.LearningPattern
	var kind, level string
	var successCount, sampleCount int
	err := row.Scan(&pattern.PatternID, &kind, &level, &successCount, &sampleCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to recall learning pattern: %w", err)
	}

	pattern.Kind = domain.LearningKind(kind)
	pattern.Level = domain.ReflectionLevel(level)
	pattern.Signature = signature
	pattern.SampleCount = sampleCount
	if sampleCount > 0 {
		pattern.ObservedSuccessRate = float64(successCount) / float64(sampleCount)
	}
	return &pattern, true, nil
}

// RecordPromptOutcome upserts the (prompt_id, prompt_version) metrics row,
// folding latencyMs into a simple running average weighted by the prior
// observation count.
func (s *SQLStore) RecordPromptOutcome(ctx context.Context, promptID string, version int, succeeded bool, latencyMs int64) (*PromptMetrics, error) {
	now := time.Now()
	existing, err := s.PromptMetrics(ctx, promptID, version)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		m := &PromptMetrics{PromptID: promptID, Version: version, AvgLatencyMs: float64(latencyMs)}
		if succeeded {
			m.Successes = 1
		} else {
			m.Failures = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO prompt_metrics (prompt_id, prompt_version, successes, failures, avg_latency_ms, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			promptID, version, m.Successes, m.Failures, m.AvgLatencyMs, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record prompt metrics: %w", err)
		}
		return m, nil
	}

	priorTotal := existing.Successes + existing.Failures
	existing.AvgLatencyMs = (existing.AvgLatencyMs*float64(priorTotal) + float64(latencyMs)) / float64(priorTotal+1)
	if succeeded {
		existing.Successes++
	} else {
		existing.Failures++
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE prompt_metrics SET successes = $1, failures = $2, avg_latency_ms = $3, updated_at = $4
		WHERE prompt_id = $5 AND prompt_version = $6`,
		existing.Successes, existing.Failures, existing.AvgLatencyMs, now, promptID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update prompt metrics: %w", err)
	}
	return existing, nil
}

// PromptMetrics returns the current metrics for (prompt_id, prompt_version),
// or nil if no observation has been recorded yet.
func (s *SQLStore) PromptMetrics(ctx context.Context, promptID string, version int) (*PromptMetrics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT successes, failures, avg_latency_ms FROM prompt_metrics
		WHERE prompt_id = $1 AND prompt_version = $2`, promptID, version)

	var m PromptMetrics
	m.PromptID = promptID
	m.Version = version
	err := row.Scan(&m.Successes, &m.Failures, &m.AvgLatencyMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt metrics: %w", err)
	}
	return &m, nil
}

func newPatternID() string {
	return fmt.Sprintf("pat-%d", time.Now().UnixNano())
}
