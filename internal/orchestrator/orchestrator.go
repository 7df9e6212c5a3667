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

// Package orchestrator is the composition root that turns the individually
// testable components (Planner, Executor, Reflector, Registry,
// ApprovalGate) into the eight stagemachine.StageHandler implementations
// SPEC_FULL.md §4.10 names: interpretation, validator_a, routing,
// planning, validator_b, execution, reflection, registry_update. No other
// package is allowed to see all of these collaborators at once — that is
// this package's entire reason to exist, the same role internal/replan
// already plays for the narrower Executor<->Planner seam.
//
// The per-workflow state a stage hands to the next one (the plan under
// construction, the interpreted request_type, the clarification retry
// count) does not fit on domain.Workflow itself, so it is held in a
// Store keyed by workflow_id — the generalization of the teacher's
// workflow/executor.go ExecutionContext, which played the identical role
// of carrying mutable state a step handler needed but the Task entity
// itself didn't declare fields for.
package orchestrator

import (
	"fmt"
	"sync"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

// State is the working memory one workflow's stage handlers share.
type State struct {
	Plan                  *domain.Plan
	ClarificationAttempts int
	planRejections        int
	FinalResponse         string
}

// Store holds per-workflow State across stage hops within one process.
// Not durable: a crash mid-workflow loses in-flight planning/approval
// state the same way the teacher's in-memory ExecutionContext did,
// relying on CheckpointStore for the steps that already ran.
type Store struct {
	mu    sync.Mutex
	byWF  map[string]*State
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{byWF: make(map[string]*State)}
}

// Get returns (creating if absent) the State for workflowID.
func (s *Store) Get(workflowID string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byWF[workflowID]
	if !ok {
		st = &State{}
		s.byWF[workflowID] = st
	}
	return st
}

// Delete drops workflowID's State once its workflow reaches a terminal
// status, so a long-lived Store doesn't grow unbounded.
func (s *Store) Delete(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byWF, workflowID)
}

func describeStepInputs(step *domain.Step) string {
	if subject, ok := step.Inputs["subject"].(string); ok && subject != "" {
		return subject
	}
	return fmt.Sprintf("execute step %s", step.StepID)
}
