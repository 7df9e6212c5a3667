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

// Package replan adapts *planner.Planner to executor.Replanner. It is a
// composition-root-only seam: Executor depends on the narrow Replanner
// interface to avoid importing Planner directly, and this is the one
// package that is allowed to import both.
package replan

import (
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/planner"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// Adapter wraps a *planner.Planner to satisfy executor.Replanner.
type Adapter struct {
	planner *planner.Planner
}

// New builds an Adapter around p.
func New(p *planner.Planner) *Adapter {
	return &Adapter{planner: p}
}

// RePlan implements executor.Replanner: it re-runs Planner against the
// failed plan's own goal and strategy, marking the request as a
// continuation so the new plan inherits workflow_id and increments
// version (spec §4.8: "New plan version inherits workflow_id, increments
// version"). reason is folded into the request description so the
// analysis/decomposition prompts see why this re-plan was triggered.
func (a *Adapter) RePlan(rc *rtctx.RuntimeContext, plan *domain.Plan, reason string) (*domain.Plan, error) {
	req := planner.Request{
		Description:     fmt.Sprintf("%s\n\nRe-planning triggered: %s", plan.Goal, reason),
		WorkflowID:      plan.WorkflowID,
		PreviousVersion: plan.Version,
	}

	newPlan, _, err := a.planner.GeneratePlan(rc, req)
	if err != nil {
		return nil, fmt.Errorf("replan: failed to generate successor plan: %w", err)
	}
	return newPlan, nil
}
