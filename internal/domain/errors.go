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

import "fmt"

// TaggedError is the common shape for the error taxonomy of spec §7: a
// Code, a human Message, and optionally the failing event id for
// traceability. Grounded on pkg/task.TaskError's Code+Message shape.
type TaggedError struct {
	Code    string
	Message string
	EventID string
}

func (e *TaggedError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event=%s)", e.Code, e.Message, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InterpretationError: request could not be classified.
type InterpretationError struct{ TaggedError }

func NewInterpretationError(msg string) *InterpretationError {
	return &InterpretationError{TaggedError{Code: "InterpretationError", Message: msg}}
}

// PromptUnresolvedError: no PromptAssignment found and not legacy-exempt.
type PromptUnresolvedError struct{ TaggedError }

func NewPromptUnresolvedError(stage Stage, role ComponentRole) *PromptUnresolvedError {
	return &PromptUnresolvedError{TaggedError{
		Code:    "PromptUnresolved",
		Message: fmt.Sprintf("no prompt assignment for stage=%s role=%s", stage, role),
	}}
}

// PlannerParseError: LLM planning output unparseable after extraction.
type PlannerParseError struct{ TaggedError }

func NewPlannerParseError(msg string) *PlannerParseError {
	return &PlannerParseError{TaggedError{Code: "PlannerParseError", Message: msg}}
}

// ExecutionErrorKind enumerates §7's ExecutionError kinds.
type ExecutionErrorKind string

const (
	ExecErrStructure   ExecutionErrorKind = "structure"
	ExecErrDependency  ExecutionErrorKind = "dependency"
	ExecErrEnvironment ExecutionErrorKind = "environment"
	ExecErrAgent       ExecutionErrorKind = "agent"
	ExecErrValidation  ExecutionErrorKind = "validation"
	ExecErrTimeout     ExecutionErrorKind = "timeout"
	ExecErrResource    ExecutionErrorKind = "resource"
	ExecErrUnknown     ExecutionErrorKind = "unknown"
)

// ExecutionError carries a step-local failure with its taxonomy kind.
type ExecutionError struct {
	Kind    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ExecutionError(%s): %s", e.Kind, e.Message)
}

// Recoverable reports whether this kind is eligible for retry under the
// step's retry policy before escalating to re-planning (spec §7).
func (e *ExecutionError) Recoverable() bool {
	switch ExecutionErrorKind(e.Kind) {
	case ExecErrEnvironment, ExecErrTimeout, ExecErrResource:
		return true
	default:
		return false
	}
}

// SandboxViolationKind enumerates the reasons a sandboxed call can fail.
type SandboxViolationKind string

const (
	SandboxTimeout   SandboxViolationKind = "timeout"
	SandboxMemory    SandboxViolationKind = "memory"
	SandboxForbidden SandboxViolationKind = "forbidden"
)

// SandboxViolation: a function call exceeded a resource/time limit or
// attempted a forbidden operation.
type SandboxViolation struct {
	Kind    SandboxViolationKind
	Message string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("SandboxViolation(%s): %s", e.Kind, e.Message)
}

// ApprovalExpiredError / ApprovalRejectedError: plan ends failed with a
// human decision source.
type ApprovalExpiredError struct{ TaggedError }

func NewApprovalExpiredError(requestID string) *ApprovalExpiredError {
	return &ApprovalExpiredError{TaggedError{Code: "ApprovalExpired", Message: "approval request " + requestID + " expired"}}
}

type ApprovalRejectedError struct{ TaggedError }

func NewApprovalRejectedError(requestID, feedback string) *ApprovalRejectedError {
	return &ApprovalRejectedError{TaggedError{Code: "ApprovalRejected", Message: "approval request " + requestID + " rejected: " + feedback}}
}

// CheckpointCorruptError: restored state hash did not match.
type CheckpointCorruptError struct{ TaggedError }

func NewCheckpointCorruptError(checkpointID string) *CheckpointCorruptError {
	return &CheckpointCorruptError{TaggedError{Code: "CheckpointCorrupt", Message: "checkpoint " + checkpointID + " failed integrity check"}}
}

// QueueDeadLetterError: a QueueTask exhausted its retry budget.
type QueueDeadLetterError struct{ TaggedError }

func NewQueueDeadLetterError(taskID string) *QueueDeadLetterError {
	return &QueueDeadLetterError{TaggedError{Code: "QueueDeadLetter", Message: "task " + taskID + " exhausted retries"}}
}

// LLMUnavailableError: the gateway found no healthy substitute.
type LLMUnavailableError struct{ TaggedError }

func NewLLMUnavailableError(taskClass string) *LLMUnavailableError {
	return &LLMUnavailableError{TaggedError{Code: "NoModelAvailable", Message: "no healthy model for task class " + taskClass}}
}

// EventLogUnavailableError: storage write errors on append.
type EventLogUnavailableError struct{ TaggedError }

func NewEventLogUnavailableError(cause error) *EventLogUnavailableError {
	msg := "event log storage unavailable"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &EventLogUnavailableError{TaggedError{Code: "EventLogUnavailable", Message: msg}}
}
