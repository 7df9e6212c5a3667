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

// Plan endpoints resolve SPEC_FULL.md §9's Open Question: "direct plan
// endpoints are wrapped in a synthetic workflow and routed through
// StageMachine (never rejected outright)". Since internal/orchestrator.Store
// keeps Plan state keyed by workflow_id (not plan_id — see its own
// doc comment) and drops that state once a workflow reaches
// registry_update, these handlers address a plan by the workflow_id that
// owns it rather than maintaining a second plan_id index; {planID} in
// each route is that workflow_id.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// handleCreatePlan builds a synthetic Workflow that already carries a
// goal and request_type (skipping interpretation/validator_a, which have
// nothing to classify when the caller supplies the type directly) and
// hands it to Machine.Run in the background — planning may block for
// minutes on an LLM call and validator_b may block for up to the
// approval deadline, neither of which belongs on the request/response
// cycle of a plan-creation call.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var body planCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "InterpretationError", "malformed_request_body", "", err.Error())
		return
	}
	if body.Goal == "" {
		writeError(w, http.StatusBadRequest, "InterpretationError", "missing_goal", "", "goal is required")
		return
	}
	requestType := body.RequestType
	if requestType == "" {
		requestType = domain.RequestComplexTask
	}
	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	now := time.Now()
	wf := &domain.Workflow{
		WorkflowID:   uuid.New().String(),
		SessionID:    sessionID,
		RequestType:  requestType,
		CurrentStage: domain.StagePlanning,
		Status:       domain.WorkflowPending,
		Message:      body.Goal,
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
	s.deps.Orchestrator.Get(wf.WorkflowID)

	s.runInBackground(wf)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"plan_id":     wf.WorkflowID,
		"workflow_id": wf.WorkflowID,
		"status":      wf.Status,
	})
}

// runInBackground drives wf through Machine.Run without blocking the HTTP
// caller, persisting the workflow's final stage/status once it settles.
func (s *Server) runInBackground(wf *domain.Workflow) {
	go func() {
		ctx := context.Background()
		rc := newWorkflowRuntimeContext(ctx, s.deps.Events, s.deps.Prompts, wf)
		_ = s.deps.Machine.Run(rc, wf)
		_ = s.deps.Workflows.Update(ctx, wf)
	}()
}

func (s *Server) lookupPlan(w http.ResponseWriter, r *http.Request) (planID string, plan *domain.Plan, ok bool) {
	planID = chi.URLParam(r, "planID")
	state := s.deps.Orchestrator.Get(planID)
	if state.Plan == nil {
		writeError(w, http.StatusNotFound, "ExecutionError", "plan_not_found", "", "no in-flight plan for this id")
		return planID, nil, false
	}
	return planID, state.Plan, true
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	_, plan, ok := s.lookupPlan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleApprovePlan approves the pending ApprovalRequest tied to this
// plan, resuming ValidatorB.waitForDecision's poll loop for whichever
// in-flight Machine.Run call is blocked on it — the same settlement path
// the approval endpoints below drive, scoped to one plan's requests.
func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	_, plan, ok := s.lookupPlan(w, r)
	if !ok {
		return
	}
	s.decidePendingApprovalForPlan(w, r, plan.PlanID, s.deps.Approvals.Approve)
}

func (s *Server) handleReplan(w http.ResponseWriter, r *http.Request) {
	planID, _, ok := s.lookupPlan(w, r)
	if !ok {
		return
	}
	wf, err := s.deps.Workflows.Get(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ExecutionError", "workflow_not_found", "", err.Error())
		return
	}
	if err := wf.SetStage(domain.StagePlanning); err != nil {
		writeError(w, http.StatusConflict, "ExecutionError", "replan_rejected", "", err.Error())
		return
	}
	s.runInBackground(wf)
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": wf.WorkflowID, "status": wf.Status})
}

// handleExecutePlan reports the plan's current execution status rather
// than re-triggering execution: once validator_b settles (auto-approve or
// human approval), the same Machine.Run call that created the plan
// already carries it into execution without a second call being needed.
func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	s.handleExecutionState(w, r)
}

// handlePausePlan/handleResumePlan flip the owning workflow's Status.
// This is a best-effort signal only: no stage handler currently polls for
// Paused mid-stage, so a workflow already inside a long-running step will
// finish that step before any pause takes visible effect. Full cooperative
// pause would need each handler to check wf.Status between steps, which
// the handlers built so far do not do.
func (s *Server) handlePausePlan(w http.ResponseWriter, r *http.Request) {
	s.setWorkflowStatus(w, r, domain.WorkflowPaused)
}

func (s *Server) handleResumePlan(w http.ResponseWriter, r *http.Request) {
	s.setWorkflowStatus(w, r, domain.WorkflowRunning)
}

func (s *Server) setWorkflowStatus(w http.ResponseWriter, r *http.Request, status domain.WorkflowStatus) {
	planID := chi.URLParam(r, "planID")
	wf, err := s.deps.Workflows.Get(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ExecutionError", "workflow_not_found", "", err.Error())
		return
	}
	if err := wf.SetStatus(status); err != nil {
		writeError(w, http.StatusConflict, "ExecutionError", "status_transition_rejected", "", err.Error())
		return
	}
	if err := s.deps.Workflows.Update(r.Context(), wf); err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "workflow_persist_failed", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// planTreeNode is one level of the plan's dependency tree: a step and the
// steps whose dependencies it satisfies.
type planTreeNode struct {
	Step     *domain.Step    `json:"step"`
	Children []*planTreeNode `json:"children,omitempty"`
}

func (s *Server) handlePlanTree(w http.ResponseWriter, r *http.Request) {
	_, plan, ok := s.lookupPlan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan_id": plan.PlanID, "tree": buildPlanTree(plan)})
}

// buildPlanTree groups plan.Steps into a forest rooted at every
// dependency-free step, mirroring the DAG DependencyGraphIsDAG already
// validates elsewhere — this just renders the same edges as a tree for
// display rather than re-deriving them.
func buildPlanTree(plan *domain.Plan) []*planTreeNode {
	childrenOf := make(map[string][]*domain.Step)
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			childrenOf[dep] = append(childrenOf[dep], step)
		}
	}
	var build func(step *domain.Step) *planTreeNode
	build = func(step *domain.Step) *planTreeNode {
		node := &planTreeNode{Step: step}
		for _, child := range childrenOf[step.StepID] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	var roots []*planTreeNode
	for _, step := range plan.Steps {
		if len(step.Dependencies) == 0 {
			roots = append(roots, build(step))
		}
	}
	return roots
}

func (s *Server) handleExecutionState(w http.ResponseWriter, r *http.Request) {
	planID, plan, ok := s.lookupPlan(w, r)
	if !ok {
		return
	}
	wf, err := s.deps.Workflows.Get(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "ExecutionError", "workflow_not_found", "", err.Error())
		return
	}
	stepStates := make(map[string]domain.StepState, len(plan.Steps))
	for _, step := range plan.Steps {
		stepStates[step.StepID] = step.State
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":      plan.PlanID,
		"plan_status":  plan.Status,
		"workflow_status": wf.Status,
		"current_stage": wf.CurrentStage,
		"steps":        stepStates,
	})
}

// decidePendingApprovalForPlan finds the most recent pending
// ApprovalRequest for planID (ApprovalRequest.PlanID, not workflow_id —
// the Gate indexes by plan) and applies decide, the shared helper every
// plan/approval endpoint that settles a decision funnels through.
func (s *Server) decidePendingApprovalForPlan(w http.ResponseWriter, r *http.Request, planID string, decide func(ctx context.Context, requestID, feedback string) (*domain.ApprovalRequest, error)) {
	pending, err := s.deps.Approvals.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ExecutionError", "approval_lookup_failed", "", err.Error())
		return
	}
	for _, req := range pending {
		if req.PlanID != planID {
			continue
		}
		var body approvalDecisionBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		decided, err := decide(r.Context(), req.RequestID, body.Feedback)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ApprovalRejected", "approval_decision_failed", "", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, decided)
		return
	}
	writeError(w, http.StatusNotFound, "ApprovalExpired", "no_pending_approval", "", "no pending approval request for this plan")
}

var _ = rtctx.New
