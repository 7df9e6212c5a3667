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

package domain

import "time"

// EntityStatus is the lifecycle status shared by Agent, Tool and Model
// registry entries.
type EntityStatus string

const (
	EntityDraft           EntityStatus = "draft"
	EntityWaitingApproval EntityStatus = "waiting_approval"
	EntityActive          EntityStatus = "active"
	EntityPaused          EntityStatus = "paused"
	EntityDeprecated      EntityStatus = "deprecated"
)

// terminalEntityStatuses has no members today (deprecated entries can be
// reactivated by an explicit human decision), but the helper exists so a
// future status can be marked terminal without touching every call site.
var terminalEntityStatuses = map[EntityStatus]bool{}

// ValidTransition reports whether moving from one status to another is
// permitted (registry CRUD contract: "transitions out of terminal statuses
// are rejected").
func ValidTransition(from, to EntityStatus) bool {
	if terminalEntityStatuses[from] {
		return false
	}
	return true
}

// Metrics tracks a registry entry's observed success record.
type Metrics struct {
	Total           int64   `json:"total"`
	Successes       int64   `json:"successes"`
	Failures        int64   `json:"failures"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Trust is the Laplace-smoothed success ratio used by ApprovalGate.
func (m Metrics) Trust() float64 {
	return float64(m.Successes+1) / float64(m.Successes+m.Failures+2)
}

// RecordOutcome folds one more outcome into the moving-average latency and
// success/failure counters.
func (m *Metrics) RecordOutcome(success bool, latencyMs float64) {
	m.Total++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	const alpha = 0.2
	if m.Total == 1 {
		m.AvgLatencyMs = latencyMs
		return
	}
	m.AvgLatencyMs = alpha*latencyMs + (1-alpha)*m.AvgLatencyMs
}

// Prompt is a versioned prompt body.
type Prompt struct {
	PromptID  string       `json:"prompt_id"`
	Version   int          `json:"version"`
	Body      string       `json:"body"`
	Status    EntityStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// PromptAssignment binds a (stage, component_role, scope) to a
// (prompt_id, prompt_version).
type PromptAssignment struct {
	AssignmentID  string        `json:"assignment_id"`
	Stage         Stage         `json:"stage"`
	ComponentRole ComponentRole `json:"component_role"`
	// ScopeKind is "experiment", "agent", or "" for the component default.
	ScopeKind string `json:"scope_kind,omitempty"`
	ScopeID   string `json:"scope_id,omitempty"`
	PromptID  string `json:"prompt_id"`
	Version   int    `json:"version"`
	// LegacyExempt allows resolution to succeed with a documented fallback
	// even when no assignment is found, per spec §4.2.
	LegacyExempt bool `json:"legacy_exempt,omitempty"`
}

// Capability is a declared capability tag on an Agent, Tool or Model.
type Capability string

// Agent is a registered orchestration participant.
type Agent struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Status       EntityStatus `json:"status"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Metrics      Metrics      `json:"metrics"`
	Version      int          `json:"version"`
}

// ToolCapability describes a Tool's callable input/output schema.
type ToolCapability struct {
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// Tool is a registered, opaque callable with declared schemas.
type Tool struct {
	ToolID       string         `json:"tool_id"`
	Name         string         `json:"name"`
	Status       EntityStatus   `json:"status"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	Schema       ToolCapability `json:"schema"`
	Metrics      Metrics        `json:"metrics"`
	Version      int            `json:"version"`
}

// TaskClass is the class of an LLM call, used by Registry.select_model.
type TaskClass string

const (
	TaskClassReasoning      TaskClass = "reasoning"
	TaskClassPlanning       TaskClass = "planning"
	TaskClassGeneralChat    TaskClass = "general_chat"
	TaskClassCodeGeneration TaskClass = "code_generation"
	TaskClassCodeAnalysis   TaskClass = "code_analysis"
)

// ModelFamily is the deterministic mapping target for a TaskClass (spec
// §4.2: "reasoning"/"planning"/"general_chat" -> reasoning model;
// "code_generation"/"code_analysis" -> coding model).
type ModelFamily string

const (
	ModelFamilyReasoning ModelFamily = "reasoning"
	ModelFamilyCoding    ModelFamily = "coding"
)

// FamilyForTaskClass implements the deterministic task-class mapping.
func FamilyForTaskClass(tc TaskClass) (ModelFamily, bool) {
	switch tc {
	case TaskClassReasoning, TaskClassPlanning, TaskClassGeneralChat:
		return ModelFamilyReasoning, true
	case TaskClassCodeGeneration, TaskClassCodeAnalysis:
		return ModelFamilyCoding, true
	default:
		return "", false
	}
}

// Model is a registered LLM endpoint binding.
type Model struct {
	ModelID     string       `json:"model_id"`
	Name        string       `json:"name"`
	Family      ModelFamily  `json:"family"`
	ServerID    string       `json:"server_id"`
	Status      EntityStatus `json:"status"`
	Priority    int          `json:"priority"`
	Healthy     bool         `json:"healthy"`
	LastHealthy time.Time    `json:"last_healthy"`
	Metrics     Metrics      `json:"metrics"`
	Version     int          `json:"version"`
}

// ModelRef identifies a concrete model+server pairing resolved by
// select_model or passed explicitly by a caller.
type ModelRef struct {
	ModelID  string `json:"model_id"`
	ServerID string `json:"server_id"`
}
