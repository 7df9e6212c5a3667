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
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/planner"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// PlanningHandler wraps Planner's generate_plan entry as the planning
// stage.
type PlanningHandler struct {
	planner *planner.Planner
	store   *Store
}

// NewPlanningHandler builds a PlanningHandler sharing store with the rest
// of the pipeline.
func NewPlanningHandler(p *planner.Planner, store *Store) *PlanningHandler {
	return &PlanningHandler{planner: p, store: store}
}

// Run implements stagemachine.StageHandler.
func (h *PlanningHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	req := planner.Request{
		Description: wf.Message,
		WorkflowID:  wf.WorkflowID,
		RequestType: wf.RequestType,
	}

	// A revisit from validator_b (DAG rejection) is a re-plan of the same
	// workflow, not a brand-new plan_id at version 1.
	state := h.store.Get(wf.WorkflowID)
	if state.Plan != nil {
		req.PreviousVersion = state.Plan.Version
	}

	plan, _, err := h.planner.GeneratePlan(rc, req)
	if err != nil {
		return stagemachine.Decision{}, fmt.Errorf("planning: %w", err)
	}

	state.Plan = plan
	return stagemachine.Decision{Next: domain.StageValidatorB}, nil
}
