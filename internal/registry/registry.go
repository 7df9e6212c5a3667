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

// Package registry implements C2: versioned prompts, agents, tools and
// models, plus PromptAssignment resolution and model selection. Entity
// storage follows pkg/agent/task_service_sql.go's SQL-backed-service idiom
// (dialect-aware schema, JSON-encoded columns); the CRUD surface follows
// pkg/registry.BaseRegistry's name/lifecycle conventions, generalized from
// an in-memory map to a persisted, versioned store.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS registry_prompts (
    prompt_id VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL,
    body TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (prompt_id, version)
);

CREATE TABLE IF NOT EXISTS registry_prompt_assignments (
    assignment_id VARCHAR(64) PRIMARY KEY,
    stage VARCHAR(32) NOT NULL,
    component_role VARCHAR(32) NOT NULL,
    scope_kind VARCHAR(32) NOT NULL DEFAULT '',
    scope_id VARCHAR(128) NOT NULL DEFAULT '',
    prompt_id VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL,
    legacy_exempt BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_assignments_lookup
    ON registry_prompt_assignments(stage, component_role, scope_kind, scope_id);

CREATE TABLE IF NOT EXISTS registry_agents (
    agent_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    capabilities TEXT,
    system_prompt TEXT,
    metrics TEXT,
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_tools (
    tool_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    capabilities TEXT,
    schema TEXT,
    metrics TEXT,
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_models (
    model_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    family VARCHAR(16) NOT NULL,
    server_id VARCHAR(128) NOT NULL,
    status VARCHAR(32) NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    healthy BOOLEAN NOT NULL DEFAULT 1,
    last_healthy TIMESTAMP,
    metrics TEXT,
    version INTEGER NOT NULL
);
`

// scopePrecedence is the order scope_hints are tried before falling back to
// the component default (scope_kind=""), per spec §4.2 "applies scope
// precedence". Narrowest scope wins.
var scopePrecedence = []string{"experiment", "agent"}

// Registry is the C2 component.
type Registry struct {
	db      *sql.DB
	dialect string
}

// New creates a Registry backed by db, initializing its schema.
func New(db *sql.DB, dialect string) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	r := &Registry{db: db, dialect: dialect}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return r, nil
}

// RegisterPrompt stores a new version of a prompt body.
func (r *Registry) RegisterPrompt(ctx context.Context, promptID string, version int, body string) (*domain.Prompt, error) {
	p := &domain.Prompt{PromptID: promptID, Version: version, Body: body, Status: domain.EntityActive, CreatedAt: time.Now()}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_prompts (prompt_id, version, body, status, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		p.PromptID, p.Version, p.Body, string(p.Status), p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register prompt %s@%d: %w", promptID, version, err)
	}
	return p, nil
}

// AssignPrompt binds a (stage, component_role, scope) to a prompt version.
func (r *Registry) AssignPrompt(ctx context.Context, a *domain.PromptAssignment) error {
	if a.AssignmentID == "" {
		a.AssignmentID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_prompt_assignments
		(assignment_id, stage, component_role, scope_kind, scope_id, prompt_id, version, legacy_exempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.AssignmentID, string(a.Stage), string(a.ComponentRole), a.ScopeKind, a.ScopeID,
		a.PromptID, a.Version, a.LegacyExempt)
	if err != nil {
		return fmt.Errorf("failed to assign prompt: %w", err)
	}
	return nil
}

// ResolvePrompt implements the public contract: resolve_prompt(stage,
// component_role, scope_hints) -> (prompt_id, prompt_version, body).
// Precedence: narrowest scope_hint match first (experiment, then agent),
// then the component default (scope_kind=""), then — only if a
// legacy-exempt assignment was explicitly registered for this
// (stage, component_role) — that fallback. Otherwise PromptUnresolved.
func (r *Registry) ResolvePrompt(ctx context.Context, stage domain.Stage, role domain.ComponentRole, scopeHints map[string]string) (promptID string, version int, body string, err error) {
	for _, kind := range scopePrecedence {
		id, ok := scopeHints[kind]
		if !ok || id == "" {
			continue
		}
		a, found, qerr := r.findAssignment(ctx, stage, role, kind, id)
		if qerr != nil {
			return "", 0, "", qerr
		}
		if found {
			return r.bodyFor(ctx, a)
		}
	}

	a, found, qerr := r.findAssignment(ctx, stage, role, "", "")
	if qerr != nil {
		return "", 0, "", qerr
	}
	if found {
		return r.bodyFor(ctx, a)
	}

	a, found, qerr = r.findLegacyExempt(ctx, stage, role)
	if qerr != nil {
		return "", 0, "", qerr
	}
	if found {
		return r.bodyFor(ctx, a)
	}

	return "", 0, "", domain.NewPromptUnresolvedError(stage, role)
}

func (r *Registry) findAssignment(ctx context.Context, stage domain.Stage, role domain.ComponentRole, scopeKind, scopeID string) (*domain.PromptAssignment, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT assignment_id, stage, component_role, scope_kind, scope_id, prompt_id, version, legacy_exempt
		FROM registry_prompt_assignments
		WHERE stage = $1 AND component_role = $2 AND scope_kind = $3 AND scope_id = $4`,
		string(stage), string(role), scopeKind, scopeID)
	return scanAssignment(row)
}

func (r *Registry) findLegacyExempt(ctx context.Context, stage domain.Stage, role domain.ComponentRole) (*domain.PromptAssignment, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT assignment_id, stage, component_role, scope_kind, scope_id, prompt_id, version, legacy_exempt
		FROM registry_prompt_assignments
		WHERE stage = $1 AND component_role = $2 AND legacy_exempt = true
		ORDER BY scope_kind ASC LIMIT 1`,
		string(stage), string(role))
	return scanAssignment(row)
}

func scanAssignment(row *sql.Row) (*domain.PromptAssignment, bool, error) {
	var a domain.PromptAssignment
	var stage, role string
	err := row.Scan(&a.AssignmentID, &stage, &role, &a.ScopeKind, &a.ScopeID, &a.PromptID, &a.Version, &a.LegacyExempt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query prompt assignment: %w", err)
	}
	a.Stage = domain.Stage(stage)
	a.ComponentRole = domain.ComponentRole(role)
	return &a, true, nil
}

func (r *Registry) bodyFor(ctx context.Context, a *domain.PromptAssignment) (string, int, string, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM registry_prompts WHERE prompt_id = $1 AND version = $2`, a.PromptID, a.Version).Scan(&body)
	if err != nil {
		return "", 0, "", fmt.Errorf("assigned prompt %s@%d not found: %w", a.PromptID, a.Version, err)
	}
	return a.PromptID, a.Version, body, nil
}

// RegisterAgent inserts a new Agent entry.
func (r *Registry) RegisterAgent(ctx context.Context, a *domain.Agent) error {
	if a.AgentID == "" {
		a.AgentID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.EntityDraft
	}
	caps, _ := json.Marshal(a.Capabilities)
	metrics, _ := json.Marshal(a.Metrics)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_agents (agent_id, name, status, capabilities, system_prompt, metrics, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.AgentID, a.Name, string(a.Status), string(caps), a.SystemPrompt, string(metrics), a.Version)
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

// GetAgent fetches an Agent by id.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT agent_id, name, status, capabilities, system_prompt, metrics, version
		FROM registry_agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var status string
	var caps, metrics sql.NullString
	if err := row.Scan(&a.AgentID, &a.Name, &status, &caps, &a.SystemPrompt, &metrics, &a.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("agent not found: %w", err)
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.Status = domain.EntityStatus(status)
	if caps.Valid {
		_ = json.Unmarshal([]byte(caps.String), &a.Capabilities)
	}
	if metrics.Valid {
		_ = json.Unmarshal([]byte(metrics.String), &a.Metrics)
	}
	return &a, nil
}

// SetAgentStatus transitions an agent's status, rejecting transitions out
// of a terminal status.
func (r *Registry) SetAgentStatus(ctx context.Context, agentID string, to domain.EntityStatus) error {
	a, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !domain.ValidTransition(a.Status, to) {
		return fmt.Errorf("cannot transition agent %s from terminal status %s", agentID, a.Status)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE registry_agents SET status = $1 WHERE agent_id = $2`, string(to), agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}

// RecordAgentOutcome folds an execution outcome into an agent's trust
// metrics (consumed by ApprovalGate's agent_trust policy input).
func (r *Registry) RecordAgentOutcome(ctx context.Context, agentID string, success bool, latencyMs float64) error {
	a, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	a.Metrics.RecordOutcome(success, latencyMs)
	metrics, _ := json.Marshal(a.Metrics)
	_, err = r.db.ExecContext(ctx, `UPDATE registry_agents SET metrics = $1 WHERE agent_id = $2`, string(metrics), agentID)
	if err != nil {
		return fmt.Errorf("failed to record agent outcome: %w", err)
	}
	return nil
}

// RegisterTool inserts a new Tool entry.
func (r *Registry) RegisterTool(ctx context.Context, t *domain.Tool) error {
	if t.ToolID == "" {
		t.ToolID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.EntityDraft
	}
	caps, _ := json.Marshal(t.Capabilities)
	schema, _ := json.Marshal(t.Schema)
	metrics, _ := json.Marshal(t.Metrics)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_tools (tool_id, name, status, capabilities, schema, metrics, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ToolID, t.Name, string(t.Status), string(caps), string(schema), string(metrics), t.Version)
	if err != nil {
		return fmt.Errorf("failed to register tool: %w", err)
	}
	return nil
}

// GetTool fetches a Tool by id.
func (r *Registry) GetTool(ctx context.Context, toolID string) (*domain.Tool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tool_id, name, status, capabilities, schema, metrics, version
		FROM registry_tools WHERE tool_id = $1`, toolID)
	var t domain.Tool
	var status string
	var caps, schema, metrics sql.NullString
	if err := row.Scan(&t.ToolID, &t.Name, &status, &caps, &schema, &metrics, &t.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tool not found: %w", err)
		}
		return nil, fmt.Errorf("failed to scan tool: %w", err)
	}
	t.Status = domain.EntityStatus(status)
	if caps.Valid {
		_ = json.Unmarshal([]byte(caps.String), &t.Capabilities)
	}
	if schema.Valid {
		_ = json.Unmarshal([]byte(schema.String), &t.Schema)
	}
	if metrics.Valid {
		_ = json.Unmarshal([]byte(metrics.String), &t.Metrics)
	}
	return &t, nil
}

// SetToolStatus transitions a tool's status, rejecting transitions out of
// a terminal status.
func (r *Registry) SetToolStatus(ctx context.Context, toolID string, to domain.EntityStatus) error {
	t, err := r.GetTool(ctx, toolID)
	if err != nil {
		return err
	}
	if !domain.ValidTransition(t.Status, to) {
		return fmt.Errorf("cannot transition tool %s from terminal status %s", toolID, t.Status)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE registry_tools SET status = $1 WHERE tool_id = $2`, string(to), toolID)
	if err != nil {
		return fmt.Errorf("failed to update tool status: %w", err)
	}
	return nil
}

// RegisterModel inserts a new Model entry.
func (r *Registry) RegisterModel(ctx context.Context, m *domain.Model) error {
	if m.ModelID == "" {
		m.ModelID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = domain.EntityActive
	}
	metrics, _ := json.Marshal(m.Metrics)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_models (model_id, name, family, server_id, status, priority, healthy, last_healthy, metrics, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ModelID, m.Name, string(m.Family), m.ServerID, string(m.Status), m.Priority, m.Healthy, m.LastHealthy, string(metrics), m.Version)
	if err != nil {
		return fmt.Errorf("failed to register model: %w", err)
	}
	return nil
}

// SetModelHealth records a health-check outcome for a model.
func (r *Registry) SetModelHealth(ctx context.Context, modelID string, healthy bool) error {
	now := time.Now()
	var err error
	if healthy {
		_, err = r.db.ExecContext(ctx, `UPDATE registry_models SET healthy = $1, last_healthy = $2 WHERE model_id = $3`, healthy, now, modelID)
	} else {
		_, err = r.db.ExecContext(ctx, `UPDATE registry_models SET healthy = $1 WHERE model_id = $2`, healthy, modelID)
	}
	if err != nil {
		return fmt.Errorf("failed to record model health: %w", err)
	}
	return nil
}

// SelectModel implements the public contract: select_model(task_class) ->
// model_ref. Deterministic mapping to a ModelFamily, then healthy, active
// models of that family ordered by priority desc then last-healthy desc;
// falls back to any healthy active model of another family; absence is
// NoModelAvailable.
func (r *Registry) SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error) {
	family, ok := domain.FamilyForTaskClass(taskClass)
	if !ok {
		return domain.ModelRef{}, fmt.Errorf("unknown task class %q", taskClass)
	}

	models, err := r.listActiveModels(ctx)
	if err != nil {
		return domain.ModelRef{}, err
	}

	if ref, found := pickBestModel(models, family); found {
		return ref, nil
	}
	if ref, found := pickBestModel(models, ""); found {
		return ref, nil
	}
	return domain.ModelRef{}, domain.NewLLMUnavailableError(string(taskClass))
}

func pickBestModel(models []*domain.Model, family domain.ModelFamily) (domain.ModelRef, bool) {
	var candidates []*domain.Model
	for _, m := range models {
		if !m.Healthy {
			continue
		}
		if family != "" && m.Family != family {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return domain.ModelRef{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LastHealthy.After(candidates[j].LastHealthy)
	})
	best := candidates[0]
	return domain.ModelRef{ModelID: best.ModelID, ServerID: best.ServerID}, true
}

func (r *Registry) listActiveModels(ctx context.Context) ([]*domain.Model, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model_id, name, family, server_id, status, priority, healthy, last_healthy, metrics, version
		FROM registry_models WHERE status = $1`, string(domain.EntityActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var out []*domain.Model
	for rows.Next() {
		var m domain.Model
		var family, status string
		var metrics sql.NullString
		var lastHealthy sql.NullTime
		if err := rows.Scan(&m.ModelID, &m.Name, &family, &m.ServerID, &status, &m.Priority, &m.Healthy, &lastHealthy, &metrics, &m.Version); err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}
		m.Family = domain.ModelFamily(family)
		m.Status = domain.EntityStatus(status)
		if lastHealthy.Valid {
			m.LastHealthy = lastHealthy.Time
		}
		if metrics.Valid {
			_ = json.Unmarshal([]byte(metrics.String), &m.Metrics)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
