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

package orchestrator

import (
	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// RoutingHandler implements spec §4.10's routing stage: every request
// proceeds to planning except SIMPLE_QUESTION, which shortcuts straight
// to execution. Since Executor only ever walks a Plan, the shortcut
// still needs one — a single-step, pre-approved synthetic plan whose one
// step is a bare inline LLM call, built here rather than by Planner so
// that the planning stage's full pipeline (procedural recall, risk
// scoring, alternatives) is never invoked for a question that doesn't
// warrant it.
type RoutingHandler struct {
	store *Store
}

// NewRoutingHandler builds a RoutingHandler.
func NewRoutingHandler(store *Store) *RoutingHandler {
	return &RoutingHandler{store: store}
}

// Run implements stagemachine.StageHandler.
func (h *RoutingHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	if wf.RequestType != domain.RequestSimpleQuestion {
		return stagemachine.Decision{Next: domain.StagePlanning}, nil
	}

	now := rc.Clock.Now()
	plan := &domain.Plan{
		PlanID:     uuid.New().String(),
		WorkflowID: wf.WorkflowID,
		Version:    1,
		Goal:       wf.Message,
		Strategy:   domain.Strategy{Approach: "direct_answer", Kind: "simple_question"},
		Status:     domain.PlanApproved,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps: []*domain.Step{{
			StepID:      uuid.New().String(),
			Index:       0,
			Type:        domain.StepAction,
			Inputs:      map[string]any{"subject": wf.Message},
			RiskLevel:   domain.RiskLow,
			RetryPolicy: domain.RetryPolicy{MaxAttempts: 1},
			State:       domain.StepWaiting,
		}},
	}
	plan.Steps[0].PlanID = plan.PlanID

	h.store.Get(wf.WorkflowID).Plan = plan
	_, _ = rc.Emit(domain.StageRouting, domain.RoleRouting, "orchestrator", domain.DecisionComponent,
		"shortcut", wf.Message, plan.PlanID, "simple_question_shortcut", "", nil)
	return stagemachine.Decision{Next: domain.StageExecution}, nil
}
