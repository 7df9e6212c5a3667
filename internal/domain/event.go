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

// DecisionSource names the origin of a runtime decision.
type DecisionSource string

const (
	DecisionComponent DecisionSource = "component"
	DecisionRegistry  DecisionSource = "registry"
	DecisionHuman     DecisionSource = "human"
)

// ComponentRole is the canonical logical role within a stage, used for
// prompt resolution and audit (spec §6 stage<->component_role mapping).
type ComponentRole string

const (
	RoleInterpretation     ComponentRole = "interpretation"
	RoleSemanticValidator  ComponentRole = "semantic_validator"
	RoleRouting            ComponentRole = "routing"
	RolePlanning           ComponentRole = "planning"
	RoleExecutionValidator ComponentRole = "execution_validator"
	RoleExecution          ComponentRole = "execution"
	RoleReflection         ComponentRole = "reflection"
)

// StageComponentRole is the canonical (stage -> component_role) mapping.
var StageComponentRole = map[Stage]ComponentRole{
	StageInterpretation: RoleInterpretation,
	StageValidatorA:     RoleSemanticValidator,
	StageRouting:        RoleRouting,
	StagePlanning:       RolePlanning,
	StageValidatorB:     RoleExecutionValidator,
	StageExecution:      RoleExecution,
	StageReflection:     RoleReflection,
}

// MaxSummaryBytes bounds input_summary/output_summary (spec §4.1 default).
const MaxSummaryBytes = 4096

// ExecutionEvent is the canonical, append-only observability record.
type ExecutionEvent struct {
	EventID         string         `json:"event_id"`
	Timestamp       time.Time      `json:"timestamp"`
	WorkflowID      string         `json:"workflow_id"`
	SessionID       string         `json:"session_id"`
	Stage           Stage          `json:"stage"`
	ComponentRole   ComponentRole  `json:"component_role"`
	ComponentName   string         `json:"component_name"`
	DecisionSource  DecisionSource `json:"decision_source"`
	Status          string         `json:"status"`
	InputSummary    string         `json:"input_summary"`
	OutputSummary   string         `json:"output_summary"`
	ReasonCode      string         `json:"reason_code,omitempty"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	EventMetadata   map[string]any `json:"event_metadata,omitempty"`
	PromptID        string         `json:"prompt_id,omitempty"`
	PromptVersion   int            `json:"prompt_version,omitempty"`
}

// Truncate bounds a summary string to MaxSummaryBytes, matching the
// append contract ("never the raw LLM payload").
func Truncate(s string) string {
	if len(s) <= MaxSummaryBytes {
		return s
	}
	return s[:MaxSummaryBytes]
}

// PayloadRef returns the event_metadata payload_ref, if one was stamped.
func (e *ExecutionEvent) PayloadRef() (string, bool) {
	if e.EventMetadata == nil {
		return "", false
	}
	v, ok := e.EventMetadata["payload_ref"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
