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

// Approval endpoints are thin wrappers over approval.Gate: unlike the
// plan endpoints, there is no synthetic workflow to build here because
// ValidatorB already created the ApprovalRequest and is already blocked
// polling for its resolution — these handlers just settle it.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Approvals.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "approval_lookup_failed", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := s.deps.Approvals.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ApprovalExpired", "approval_not_found", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.deps.Approvals.Approve)
}

func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.deps.Approvals.Reject)
}

func (s *Server) handleModifyApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.deps.Approvals.Modify)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, requestID, feedback string) (*domain.ApprovalRequest, error)) {
	requestID := chi.URLParam(r, "requestID")
	var body approvalDecisionBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	decided, err := decide(r.Context(), requestID, body.Feedback)
	if err != nil {
		writeError(w, http.StatusConflict, "ApprovalRejected", "approval_decision_failed", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decided)
}
