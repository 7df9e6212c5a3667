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
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/eventlog"
)

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	wf, err := s.deps.Workflows.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ExecutionError", "workflow_not_found", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleListEvents implements spec §6's "GET events?workflow_id=…
// returns event list and any referenced entity digests" as a thin
// wrapper over EventLog.ByWorkflow — the digests are the events
// themselves, already self-describing via component_role/decision_source.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "InterpretationError", "missing_workflow_id", "", "workflow_id query parameter is required")
		return
	}

	filter := &eventlog.Filter{
		Stage:         domain.Stage(r.URL.Query().Get("stage")),
		ComponentRole: domain.ComponentRole(r.URL.Query().Get("component_role")),
	}
	events, err := s.deps.Events.ByWorkflow(r.Context(), workflowID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "events_lookup_failed", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// wsUpgrader allows any origin, matching a2a/server.go's
// handleStreamTask upgrader (the teacher's one WS endpoint) — origin
// restriction is deployment-specific and belongs to a reverse proxy in
// front of this server, not the handler itself.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStreamWorkflow upgrades to a WS connection and relays a
// workflow's events in append order, applying spec §6's lag-marker
// protocol: once EventLog.Stream drops this subscriber for lag, a single
// marker message is sent and the connection closes rather than silently
// going quiet.
func (s *Server) handleStreamWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("workflow stream upgrade failed", "workflow_id", workflowID, "error", err)
		return
	}
	defer conn.Close()

	events := s.deps.Events.Stream(workflowID)
	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	// The channel only closes when EventLog drops this subscriber for lag.
	_ = conn.WriteJSON(map[string]any{
		"marker":      "subscriber_lag",
		"workflow_id": workflowID,
		"timestamp":   time.Now(),
	})
}
