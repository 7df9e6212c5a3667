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
	"context"
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// OutcomeRecorder is the slice of registry.Registry the registry_update
// stage needs: folding each agent-backed step's outcome back into that
// agent's trust metrics (spec §2: "Reflector (C11) reads EventLog and
// writes into Registry" — this stage is the direct, per-workflow analog
// for the agents actually exercised by *this* plan).
type OutcomeRecorder interface {
	RecordAgentOutcome(ctx context.Context, agentID string, success bool, latencyMs float64) error
}

// RegistryUpdateHandler is the terminal stage: folds step outcomes into
// Registry and settles the workflow's final status.
type RegistryUpdateHandler struct {
	registry OutcomeRecorder
	store    *Store
}

// NewRegistryUpdateHandler builds a RegistryUpdateHandler. registry may
// be nil, in which case agent trust simply isn't updated (acceptable for
// plans with no agent-backed steps; a deployment with agents configured
// always wires one).
func NewRegistryUpdateHandler(registry OutcomeRecorder, store *Store) *RegistryUpdateHandler {
	return &RegistryUpdateHandler{registry: registry, store: store}
}

// Run implements stagemachine.StageHandler.
func (h *RegistryUpdateHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := h.store.Get(wf.WorkflowID)
	plan := state.Plan
	if plan == nil {
		return stagemachine.Decision{}, fmt.Errorf("registry_update: no plan on record for workflow %s", wf.WorkflowID)
	}

	if h.registry != nil {
		for _, step := range plan.Steps {
			if step.ExecutorRef.Kind != domain.ExecutorAgent {
				continue
			}
			success := step.State == domain.StepSucceeded
			if err := h.registry.RecordAgentOutcome(rc.Context, step.ExecutorRef.Name, success, 0); err != nil {
				_, _ = rc.Emit(domain.StageRegistryUpdate, stageRoleFallback(), "orchestrator", domain.DecisionComponent,
					"warning", step.ExecutorRef.Name, err.Error(), "registry_update_failed", "", nil)
			}
		}
	}

	finalStatus := domain.WorkflowCompleted
	if plan.Status != domain.PlanCompleted {
		finalStatus = domain.WorkflowFailed
	}
	if err := wf.SetStatus(finalStatus); err != nil {
		return stagemachine.Decision{}, fmt.Errorf("registry_update: %w", err)
	}

	h.store.Delete(wf.WorkflowID)
	return stagemachine.Decision{Done: true, Reason: string(finalStatus)}, nil
}

// stageRoleFallback covers registry_update, which has no dedicated
// ComponentRole constant (only the first seven stages do).
func stageRoleFallback() domain.ComponentRole {
	return domain.ComponentRole(domain.StageRegistryUpdate)
}
