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

// Package domain holds the entities of the orchestrator's data model:
// Workflow, Plan, Step, ExecutionEvent, PromptAssignment, registry entries,
// ApprovalRequest, Checkpoint, QueueTask and LearningPattern. Entities carry
// no storage-engine coupling. This package declares no service interfaces;
// each consuming component declares the narrow interface it depends on.
package domain

import "time"

// RequestType classifies an inbound user request.
type RequestType string

const (
	RequestSimpleQuestion  RequestType = "SIMPLE_QUESTION"
	RequestInformationQuery RequestType = "INFORMATION_QUERY"
	RequestCodeGeneration  RequestType = "CODE_GENERATION"
	RequestComplexTask     RequestType = "COMPLEX_TASK"
	RequestPlanningOnly    RequestType = "PLANNING_ONLY"
)

// Stage is one of the canonical, ordered, gap-free pipeline positions.
type Stage string

const (
	StageInterpretation  Stage = "interpretation"
	StageValidatorA      Stage = "validator_a"
	StageRouting         Stage = "routing"
	StagePlanning        Stage = "planning"
	StageValidatorB      Stage = "validator_b"
	StageExecution       Stage = "execution"
	StageReflection      Stage = "reflection"
	StageRegistryUpdate  Stage = "registry_update"
)

// CanonicalStages lists the pipeline stages in order. Any persisted event's
// stage must be a member of this set (Testable Properties: Stage legality).
var CanonicalStages = []Stage{
	StageInterpretation,
	StageValidatorA,
	StageRouting,
	StagePlanning,
	StageValidatorB,
	StageExecution,
	StageReflection,
	StageRegistryUpdate,
}

// Valid reports whether s is one of the canonical stages.
func (s Stage) Valid() bool {
	for _, c := range CanonicalStages {
		if c == s {
			return true
		}
	}
	return false
}

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status cannot transition further.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is the full lifecycle of a single user interaction.
type Workflow struct {
	WorkflowID    string         `json:"workflow_id" yaml:"workflow_id"`
	SessionID     string         `json:"session_id" yaml:"session_id"`
	RequestType   RequestType    `json:"request_type" yaml:"request_type"`
	CurrentStage  Stage          `json:"current_stage" yaml:"current_stage"`
	Status        WorkflowStatus `json:"status" yaml:"status"`
	Message       string         `json:"message" yaml:"message"`
	TraceID       string         `json:"trace_id,omitempty" yaml:"trace_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
}

// SetStage advances the workflow's current stage. Terminal statuses reject
// further stage changes, matching the immutability invariant in spec §3.
func (w *Workflow) SetStage(stage Stage) error {
	if w.Status.IsTerminal() {
		return &TerminalStatusError{EntityType: "workflow", EntityID: w.WorkflowID, Status: string(w.Status)}
	}
	w.CurrentStage = stage
	w.UpdatedAt = time.Now()
	return nil
}

// SetStatus transitions the workflow's status. Terminal statuses are
// immutable once reached.
func (w *Workflow) SetStatus(status WorkflowStatus) error {
	if w.Status.IsTerminal() {
		return &TerminalStatusError{EntityType: "workflow", EntityID: w.WorkflowID, Status: string(w.Status)}
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

// TerminalStatusError is returned when a caller attempts to mutate an
// entity that has already reached a terminal status.
type TerminalStatusError struct {
	EntityType string
	EntityID   string
	Status     string
}

func (e *TerminalStatusError) Error() string {
	return "entity " + e.EntityType + " " + e.EntityID + " is terminal (status=" + e.Status + ")"
}
