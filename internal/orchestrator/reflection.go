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
	"github.com/autoflowhq/orchestrator/internal/reflector"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// ReflectionHandler wraps Reflector's Reflect entry as the reflection
// stage.
type ReflectionHandler struct {
	reflector *reflector.Reflector
	store     *Store
}

// NewReflectionHandler builds a ReflectionHandler.
func NewReflectionHandler(r *reflector.Reflector, store *Store) *ReflectionHandler {
	return &ReflectionHandler{reflector: r, store: store}
}

// Run implements stagemachine.StageHandler.
func (h *ReflectionHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := h.store.Get(wf.WorkflowID)
	plan := state.Plan
	if plan == nil {
		return stagemachine.Decision{}, fmt.Errorf("reflection: no plan on record for workflow %s", wf.WorkflowID)
	}

	actualMs := plan.UpdatedAt.Sub(plan.CreatedAt).Milliseconds()
	if actualMs <= 0 {
		actualMs = 1
	}
	if _, err := h.reflector.Reflect(rc, plan, actualMs); err != nil {
		return stagemachine.Decision{}, fmt.Errorf("reflection: %w", err)
	}
	return stagemachine.Decision{Next: domain.StageRegistryUpdate}, nil
}
