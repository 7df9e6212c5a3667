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

package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// rawStep is the shape the decomposition LLM call is asked to emit. Local
// is a temporary, LLM-chosen identifier used only to express dependencies
// within the response; it is rewritten to a real StepID once parsed.
type rawStep struct {
	Local            string         `json:"id"`
	Type             string         `json:"type"`
	ExecutorKind     string         `json:"executor_kind"`
	ExecutorName     string         `json:"executor_name"`
	Dependencies     []string       `json:"dependencies"`
	TimeoutMs        int64          `json:"timeout_ms"`
	ApprovalRequired bool           `json:"approval_required"`
	RiskLevel        string         `json:"risk_level"`
	Inputs           map[string]any `json:"inputs"`
	FunctionCall     *domain.FunctionCall `json:"function_call"`
}

type rawDecomposition struct {
	Steps []rawStep `json:"steps"`
}

// decompose makes the decomposition LLM call (spec §4.8.3), parses its
// output into a DAG of Steps, and assigns Index by topological order with
// ties broken by first-seen order in the raw response.
func (p *Planner) decompose(rc *rtctx.RuntimeContext, req Request, strategy *domain.Strategy) ([]*domain.Step, error) {
	ctx, cancel := context.WithTimeout(rc.Context, p.cfg.DecompositionTimeout)
	defer cancel()
	branchRC := rc.WithContext(ctx)

	user := fmt.Sprintf(
		"Request: %s\n\nApproach: %s\n\nDecompose into steps. Respond with a JSON object: "+
			"{\"steps\":[{\"id\":string,\"type\":\"action|decision|validation\",\"executor_kind\":\"agent|tool|team|inline_llm\","+
			"\"executor_name\":string,\"dependencies\":[string],\"timeout_ms\":number,\"approval_required\":bool,"+
			"\"risk_level\":\"low|medium|high\",\"inputs\":object}]}. "+
			"The \"id\" values are only used to express \"dependencies\" within this response.",
		req.Description, strategy.Approach)

	ref, err := p.registry.SelectModel(ctx, domain.TaskClassPlanning)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			user += "\n\nYour previous response could not be parsed as JSON. Respond with ONLY the JSON object, no prose, no markdown fences."
		}
		result, err := p.gateway.Generate(branchRC, ref, llmgateway.ProviderRequest{
			System:      "Decompose the approved approach into an ordered, dependency-annotated set of executable steps.",
			User:        user,
			Temperature: temperatureFor(strategy.Kind),
		}, llmgateway.GenerateOptions{})
		if err != nil {
			return nil, fmt.Errorf("decomposition LLM call failed: %w", err)
		}

		raw, err := extractJSON(result.Text)
		if err != nil {
			lastErr = err
			continue
		}
		var decomposition rawDecomposition
		if err := json.Unmarshal(raw, &decomposition); err != nil {
			lastErr = err
			continue
		}
		if len(decomposition.Steps) == 0 {
			lastErr = fmt.Errorf("decomposition produced zero steps")
			continue
		}

		steps, err := toDomainSteps(decomposition.Steps)
		if err != nil {
			lastErr = err
			continue
		}
		if err := assignTopologicalIndex(steps); err != nil {
			lastErr = err
			continue
		}
		return steps, nil
	}
	return nil, domain.NewPlannerParseError(fmt.Sprintf("could not parse decomposition after retry: %v", lastErr))
}

// toDomainSteps assigns real StepIDs, rewrites dependency references from
// the LLM's local ids to those StepIDs, and fills per-step defaults.
func toDomainSteps(raw []rawStep) ([]*domain.Step, error) {
	localToID := make(map[string]string, len(raw))
	for _, r := range raw {
		if r.Local == "" {
			return nil, fmt.Errorf("decomposition step missing id")
		}
		if _, dup := localToID[r.Local]; dup {
			return nil, fmt.Errorf("decomposition step id %q used more than once", r.Local)
		}
		localToID[r.Local] = uuid.New().String()
	}

	steps := make([]*domain.Step, 0, len(raw))
	for _, r := range raw {
		deps := make([]string, 0, len(r.Dependencies))
		for _, d := range r.Dependencies {
			id, ok := localToID[d]
			if !ok {
				return nil, fmt.Errorf("decomposition step %q depends on unknown id %q", r.Local, d)
			}
			deps = append(deps, id)
		}

		stepType := domain.StepType(r.Type)
		switch stepType {
		case domain.StepAction, domain.StepDecision, domain.StepValidation:
		default:
			stepType = domain.StepAction
		}

		riskLevel := domain.RiskLevel(r.RiskLevel)
		switch riskLevel {
		case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
		default:
			riskLevel = domain.RiskMedium
		}

		executorKind := domain.ExecutorKind(r.ExecutorKind)
		switch executorKind {
		case domain.ExecutorAgent, domain.ExecutorTool, domain.ExecutorTeam, domain.ExecutorInlineLLM:
		default:
			executorKind = domain.ExecutorInlineLLM
		}

		timeout := r.TimeoutMs
		if timeout <= 0 {
			timeout = 300_000
		}

		steps = append(steps, &domain.Step{
			StepID:           localToID[r.Local],
			Type:             stepType,
			ExecutorRef:      domain.ExecutorRef{Kind: executorKind, Name: r.ExecutorName},
			Inputs:           r.Inputs,
			Dependencies:     deps,
			TimeoutMs:        timeout,
			RetryPolicy:      domain.RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 1000, Jitter: 0.1},
			ApprovalRequired: r.ApprovalRequired,
			RiskLevel:        riskLevel,
			FunctionCall:     r.FunctionCall,
			State:            domain.StepWaiting,
		})
	}
	return steps, nil
}

// assignTopologicalIndex runs Kahn's algorithm over the dependency DAG,
// breaking ties by first-seen order in the input slice, and assigns each
// step's Index accordingly. Returns an error if the graph has a cycle.
func assignTopologicalIndex(steps []*domain.Step) error {
	order := make(map[string]int, len(steps))
	byID := make(map[string]*domain.Step, len(steps))
	for i, s := range steps {
		order[s.StepID] = i
		byID[s.StepID] = s
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.StepID]; !ok {
			indegree[s.StepID] = 0
		}
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", s.StepID, dep)
			}
			indegree[s.StepID]++
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.StepID] == 0 {
			ready = append(ready, s.StepID)
		}
	}

	assignRank := func(ids []string) []string {
		sorted := append([]string(nil), ids...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && order[sorted[j-1]] > order[sorted[j]]; j-- {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			}
		}
		return sorted
	}

	index := 0
	visited := 0
	for len(ready) > 0 {
		ready = assignRank(ready)
		next := ready[0]
		ready = ready[1:]

		byID[next].Index = index
		index++
		visited++

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if visited != len(steps) {
		return fmt.Errorf("decomposition dependency graph contains a cycle")
	}
	return nil
}
