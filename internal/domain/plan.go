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

package domain

import "time"

// PlanStatus is the lifecycle status of a Plan.
type PlanStatus string

const (
	PlanDraft           PlanStatus = "draft"
	PlanPendingApproval PlanStatus = "pending_approval"
	PlanApproved        PlanStatus = "approved"
	PlanExecuting       PlanStatus = "executing"
	PlanPaused          PlanStatus = "paused"
	PlanCompleted       PlanStatus = "completed"
	PlanFailed          PlanStatus = "failed"
	PlanSuperseded      PlanStatus = "superseded"
)

// Strategy captures the planner's chosen approach for a Plan.
type Strategy struct {
	Approach        string   `json:"approach"`
	Assumptions     []string `json:"assumptions,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	// Kind is the alternative-generation strategy tag: "conservative",
	// "balanced", "aggressive", or "" for a non-alternative plan.
	Kind string `json:"kind,omitempty"`
}

// Plan is the result of planning: a ranked, versioned procedure.
type Plan struct {
	PlanID       string     `json:"plan_id"`
	WorkflowID   string     `json:"workflow_id"`
	Version      int        `json:"version"`
	Goal         string     `json:"goal"`
	Strategy     Strategy   `json:"strategy"`
	Steps        []*Step    `json:"steps"`
	RiskScore    float64    `json:"risk_score"`
	Alternatives []string   `json:"alternatives,omitempty"`
	Status       PlanStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StepByID returns the step with the given id, if present.
func (p *Plan) StepByID(stepID string) (*Step, bool) {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return nil, false
}

// DependencyGraphIsDAG walks the steps' dependency edges and reports
// whether they form an acyclic graph (Testable Properties: Plan DAG).
func (p *Plan) DependencyGraphIsDAG() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	byID := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.StepID] = s
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return false // back-edge: cycle
		case black:
			return true
		}
		color[id] = gray
		step, ok := byID[id]
		if ok {
			for _, dep := range step.Dependencies {
				if _, exists := byID[dep]; !exists {
					return false // dangling dependency
				}
				if !visit(dep) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}

	for _, s := range p.Steps {
		if !visit(s.StepID) {
			return false
		}
	}
	return true
}

// TopologicalOrder assigns step Index fields by topological order, ties
// broken by first-seen order in Steps (spec §4.8.3).
func (p *Plan) TopologicalOrder() ([]string, error) {
	byID := make(map[string]*Step, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	order := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.StepID] = s
		indegree[s.StepID] = 0
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, &ExecutionError{Kind: "dependency", Message: "unknown dependency " + dep + " for step " + s.StepID}
			}
		}
	}
	// indegree is "how many steps depend on me must resolve before I run",
	// expressed here as count of unresolved dependencies.
	for _, s := range p.Steps {
		indegree[s.StepID] = len(s.Dependencies)
	}

	remaining := make([]*Step, len(p.Steps))
	copy(remaining, p.Steps)
	resolved := make(map[string]bool, len(p.Steps))

	for len(order) < len(p.Steps) {
		progressed := false
		for _, s := range remaining {
			if resolved[s.StepID] {
				continue
			}
			ready := true
			for _, dep := range s.Dependencies {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, s.StepID)
				resolved[s.StepID] = true
				progressed = true
			}
		}
		if !progressed {
			return nil, &ExecutionError{Kind: "dependency", Message: "dependency cycle detected in plan " + p.PlanID}
		}
	}

	for i, id := range order {
		byID[id].Index = i
	}
	return order, nil
}
