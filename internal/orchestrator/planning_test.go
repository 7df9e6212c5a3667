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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/planner"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// scriptedPlannerGenerator mirrors planner's own test fixture: it
// dispatches on decompose.go's fixed decomposition system prompt so a
// single generator can serve both the task-analysis and decomposition
// phases of Planner.GeneratePlan.
type scriptedPlannerGenerator struct {
	mu        sync.Mutex
	analysis  []string
	decompose []string
}

func (g *scriptedPlannerGenerator) Generate(_ *rtctx.RuntimeContext, _ domain.ModelRef, req llmgateway.ProviderRequest, _ llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.System == "Decompose the approved approach into an ordered, dependency-annotated set of executable steps." {
		if len(g.decompose) == 0 {
			return nil, fmt.Errorf("scriptedPlannerGenerator: no decomposition response queued")
		}
		next := g.decompose[0]
		g.decompose = g.decompose[1:]
		return &llmgateway.ProviderResult{Text: next}, nil
	}
	if len(g.analysis) == 0 {
		return nil, fmt.Errorf("scriptedPlannerGenerator: no analysis response queued")
	}
	next := g.analysis[0]
	g.analysis = g.analysis[1:]
	return &llmgateway.ProviderResult{Text: next}, nil
}

const planningStrategyJSON = `{"approach":"answer directly","assumptions":[],"constraints":[],"success_criteria":["answer produced"]}`

const planningDecompositionJSON = `{"steps":[
	{"id":"s1","type":"action","executor_kind":"inline_llm","executor_name":"","dependencies":[],"timeout_ms":30000,"risk_level":"low"}
]}`

func TestPlanningHandler_GeneratesAndStoresPlan(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask

	gen := &scriptedPlannerGenerator{analysis: []string{planningStrategyJSON}, decompose: []string{planningDecompositionJSON}}
	p := planner.New(gen, fakeModelSelector{}, nil, planner.Config{})
	store := NewStore()
	h := NewPlanningHandler(p, store)

	decision, err := h.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageValidatorB, decision.Next)

	plan := store.Get(wf.WorkflowID).Plan
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.Version)
	require.Len(t, plan.Steps, 1)
}

func TestPlanningHandler_RePlanIncrementsVersion(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask

	store := NewStore()
	store.Get(wf.WorkflowID).Plan = &domain.Plan{PlanID: "p0", WorkflowID: wf.WorkflowID, Version: 1}

	gen := &scriptedPlannerGenerator{analysis: []string{planningStrategyJSON}, decompose: []string{planningDecompositionJSON}}
	p := planner.New(gen, fakeModelSelector{}, nil, planner.Config{})
	h := NewPlanningHandler(p, store)

	_, err := h.Run(rc, wf)
	require.NoError(t, err)

	plan := store.Get(wf.WorkflowID).Plan
	assert.Equal(t, 2, plan.Version)
}
