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

package server

import "github.com/autoflowhq/orchestrator/internal/domain"

// requestEntrypointBody is spec §6's request entrypoint body:
// {message, task_type?, model?, server_id?, temperature?, stream?,
// session_id?, system_prompt?}.
type requestEntrypointBody struct {
	Message      string             `json:"message"`
	TaskType     domain.RequestType `json:"task_type,omitempty"`
	Model        string             `json:"model,omitempty"`
	ServerID     string             `json:"server_id,omitempty"`
	Temperature  *float64           `json:"temperature,omitempty"`
	Stream       bool               `json:"stream,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
}

// requestEntrypointResponse is spec §6's synchronous response shape.
type requestEntrypointResponse struct {
	Response   string             `json:"response"`
	Model      string             `json:"model"`
	TaskType   domain.RequestType `json:"task_type"`
	DurationMs int64              `json:"duration_ms"`
	SessionID  string             `json:"session_id"`
	TraceID    string             `json:"trace_id"`
	WorkflowID string             `json:"workflow_id"`
	Reasoning  string             `json:"reasoning,omitempty"`
}

// errorBody is spec §7's "on escalation, the response carries a
// structured error with kind, reason_code, and the failing event_id".
type errorBody struct {
	Error struct {
		Kind       string `json:"kind"`
		ReasonCode string `json:"reason_code,omitempty"`
		EventID    string `json:"event_id,omitempty"`
		Message    string `json:"message"`
	} `json:"error"`
}

// approvalDecisionBody is the shared body for approve/reject/modify.
type approvalDecisionBody struct {
	Feedback string `json:"feedback,omitempty"`
}

// planCreateBody is a direct plan-creation request (spec §6's "optional"
// plan endpoints), wrapped into a synthetic workflow before it ever
// touches Planner — see SPEC_FULL.md §9's resolved Open Question.
type planCreateBody struct {
	Goal        string             `json:"goal"`
	RequestType domain.RequestType `json:"request_type,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}
