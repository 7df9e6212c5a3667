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

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/orchestrator"
)

// handleCreateRequest implements spec §6's request entrypoint: POST a
// message, get back either a synchronous response or a chunked stream of
// interim events plus terminal metadata. Either way the only thing this
// handler does is build a fresh Workflow, persist it, and hand it to
// Machine.Run — the full interpretation -> ... -> registry_update pipeline
// runs exactly as it would for any other caller of StageMachine.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body requestEntrypointBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "InterpretationError", "malformed_request_body", "", err.Error())
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "InterpretationError", "missing_message", "", "message is required")
		return
	}
	if body.Model != "" && body.ServerID == "" {
		writeError(w, http.StatusBadRequest, "InterpretationError", "model_without_server_id", "", "server_id is required when model is specified")
		return
	}

	now := time.Now()
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	wf := &domain.Workflow{
		WorkflowID:   uuid.New().String(),
		SessionID:    sessionID,
		RequestType:  body.TaskType,
		CurrentStage: domain.StageInterpretation,
		Status:       domain.WorkflowPending,
		Message:      body.Message,
		TraceID:      uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.deps.Workflows.Create(r.Context(), wf); err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "workflow_persist_failed", "", err.Error())
		return
	}
	if err := wf.SetStatus(domain.WorkflowRunning); err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "workflow_start_failed", "", err.Error())
		return
	}

	// Get (creating) the State before Run so the pointer we hold survives
	// RegistryUpdateHandler's own store.Delete once the workflow reaches
	// its terminal stage.
	state := s.deps.Orchestrator.Get(wf.WorkflowID)

	if body.Stream {
		s.streamRequest(w, r, wf, state)
		return
	}

	rc := newWorkflowRuntimeContext(r.Context(), s.deps.Events, s.deps.Prompts, wf)
	start := time.Now()
	runErr := s.deps.Machine.Run(rc, wf)
	_ = s.deps.Workflows.Update(r.Context(), wf)

	if runErr != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "stagemachine_run_failed", "", runErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.buildResponse(r, wf, state, time.Since(start)))
}

// buildResponse assembles spec §6's synchronous response shape from the
// workflow's terminal state. Model is resolved best-effort for reporting
// purposes only — it is not necessarily the model the workflow actually
// used internally, since individual steps each resolve their own model
// via ModelSelector.
func (s *Server) buildResponse(r *http.Request, wf *domain.Workflow, state *orchestrator.State, elapsed time.Duration) requestEntrypointResponse {
	model := ""
	if s.deps.Models != nil {
		if ref, err := s.deps.Models.SelectModel(r.Context(), domain.TaskClassGeneralChat); err == nil {
			model = ref.ModelID
		}
	}
	reasoning := ""
	if state.Plan != nil {
		reasoning = state.Plan.Strategy.Approach
	}
	return requestEntrypointResponse{
		Response:   state.FinalResponse,
		Model:      model,
		TaskType:   wf.RequestType,
		DurationMs: elapsed.Milliseconds(),
		SessionID:  wf.SessionID,
		TraceID:    wf.TraceID,
		WorkflowID: wf.WorkflowID,
		Reasoning:  reasoning,
	}
}

// streamRequest drives Machine.Run in the background and relays every
// ExecutionEvent the workflow emits to the client as newline-delimited
// JSON, using EventLog's own channel-backed, backpressured Stream
// subscription rather than building a second one — spec §6's "chunked
// stream producing interim tokens plus terminal metadata".
func (s *Server) streamRequest(w http.ResponseWriter, r *http.Request, wf *domain.Workflow, state *orchestrator.State) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "streaming_unsupported", "", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	events := s.deps.Events.Stream(wf.WorkflowID)
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		rc := newWorkflowRuntimeContext(r.Context(), s.deps.Events, s.deps.Prompts, wf)
		done <- s.deps.Machine.Run(rc, wf)
	}()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Subscriber was dropped for lag (EventLog closes a lagging
				// subscriber's channel): stop selecting on this channel so a closed
				// channel doesn't spin the loop, and just wait for Run to
				// finish.
				events = nil
				continue
			}
			_ = enc.Encode(ev)
			flusher.Flush()
		case runErr := <-done:
			_ = s.deps.Workflows.Update(r.Context(), wf)
			if runErr != nil {
				_ = enc.Encode(errorTerminalChunk(runErr))
			} else {
				_ = enc.Encode(s.buildResponse(r, wf, state, time.Since(start)))
			}
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func errorTerminalChunk(err error) errorBody {
	var body errorBody
	body.Error.Kind = "ExecutionError"
	body.Error.ReasonCode = "stagemachine_run_failed"
	body.Error.Message = err.Error()
	return body
}
