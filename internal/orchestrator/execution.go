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
	"github.com/autoflowhq/orchestrator/internal/executor"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// maxReplanRounds is spec §4.9's "call Planner re-planning once; on
// second exhaustion, mark plan failed" — one extra attempt beyond the
// original plan.
const maxReplanRounds = 1

// ExecutionHandler wraps Executor's execute(plan_id) entry as the
// execution stage. A step failure that triggers re-planning produces a
// new, unapproved plan version; since stagemachine's execution stage has
// no legal edge back to validator_b, settling that replacement plan's
// approval decision and re-executing it happens inside this one stage
// visit rather than by revisiting validator_b.
type ExecutionHandler struct {
	executor   *executor.Executor
	store      *Store
	reapprover *ValidatorB
}

// NewExecutionHandler builds an ExecutionHandler. reapprover is reused
// (not re-instantiated) so a re-planned successor plan is settled with
// the same ApprovalGate/AgentTruster wiring validator_b itself uses.
func NewExecutionHandler(e *executor.Executor, store *Store, reapprover *ValidatorB) *ExecutionHandler {
	return &ExecutionHandler{executor: e, store: store, reapprover: reapprover}
}

// Run implements stagemachine.StageHandler.
func (h *ExecutionHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := h.store.Get(wf.WorkflowID)
	plan := state.Plan
	if plan == nil {
		return stagemachine.Decision{}, fmt.Errorf("execution: no plan on record for workflow %s", wf.WorkflowID)
	}

	for round := 0; ; round++ {
		if plan.Status != domain.PlanApproved {
			// Rejected by a human, or failed to settle an approval gate:
			// nothing to execute, but the workflow still flows onward so
			// reflection/registry_update can record the outcome.
			state.Plan = plan
			return stagemachine.Decision{Next: domain.StageReflection}, nil
		}

		current, replacement, err := h.executor.Execute(rc, plan)
		state.Plan = current
		if err == nil {
			state.FinalResponse = finalResponseText(current)
			return stagemachine.Decision{Next: domain.StageReflection}, nil
		}
		if replacement == nil || round >= maxReplanRounds {
			// Exhausted: record the final (failed) plan and move on: spec
			// §4.9 "mark plan failed and rollback", §4.10 every workflow
			// still reaches reflection/registry_update regardless of
			// outcome.
			state.Plan = current
			state.FinalResponse = finalResponseText(current)
			return stagemachine.Decision{Next: domain.StageReflection}, nil
		}

		if err := h.reapprover.settleApproval(rc, replacement, wf.RequestType); err != nil {
			return stagemachine.Decision{}, fmt.Errorf("execution: re-plan approval: %w", err)
		}
		plan = replacement
	}
}

// finalResponseText picks the text the request entrypoint hands back to
// the caller: the last succeeded step's "text" output if one exists,
// falling back to any other string-valued output so tool-only plans
// still surface something rather than an empty response.
func finalResponseText(plan *domain.Plan) string {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if step.State != domain.StepSucceeded {
			continue
		}
		if text, ok := step.Outputs["text"].(string); ok && text != "" {
			return text
		}
		for _, v := range step.Outputs {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
