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
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// Generator is the slice of llmgateway.Gateway this package's stage
// handlers depend on. *llmgateway.Gateway satisfies this directly, the
// same narrowing already used by planner.Generator/executor.Generator.
type Generator interface {
	Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error)
}

// ModelSelector is the slice of registry.Registry this package needs for
// its own direct LLM calls (interpretation, semantic validation).
type ModelSelector interface {
	SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error)
}

// interpretationOutput is the shape the interpretation LLM call is
// prompted to return.
type interpretationOutput struct {
	RequestType domain.RequestType `json:"request_type"`
	Confidence  float64            `json:"confidence"`
}

// InterpretationHandler classifies an inbound request's Message into one
// of domain's five RequestTypes via a single LLM call under the
// registry-resolved (interpretation stage, interpretation role) prompt
// (spec §4.10: "the orchestrator resolves prompts by (stage,
// component_role) via Registry").
type InterpretationHandler struct {
	gateway Generator
	models  ModelSelector
}

// NewInterpretationHandler builds an InterpretationHandler.
func NewInterpretationHandler(gateway Generator, models ModelSelector) *InterpretationHandler {
	return &InterpretationHandler{gateway: gateway, models: models}
}

// Run implements stagemachine.StageHandler.
func (h *InterpretationHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	_, _, body, err := rc.Prompts.ResolvePrompt(rc.Context, domain.StageInterpretation, domain.RoleInterpretation, nil)
	if err != nil {
		return stagemachine.Decision{}, fmt.Errorf("interpretation: %w", err)
	}

	ref, err := h.models.SelectModel(rc.Context, domain.TaskClassGeneralChat)
	if err != nil {
		return stagemachine.Decision{}, fmt.Errorf("interpretation: no model available: %w", err)
	}

	result, err := h.gateway.Generate(rc, ref, llmgateway.ProviderRequest{System: body, User: wf.Message}, llmgateway.GenerateOptions{})
	if err != nil {
		return stagemachine.Decision{}, fmt.Errorf("interpretation: %w", err)
	}

	var out interpretationOutput
	if err := extractJSONObject(result.Text, &out); err != nil || !validRequestType(out.RequestType) {
		// spec §4.8's JSON-extraction fallback ("required keys absent are
		// filled with defaults") applies here too: an unparsable or
		// unrecognized classification defaults to the safest, most
		// scrutinized path rather than failing the workflow outright.
		out.RequestType = domain.RequestComplexTask
		_, _ = rc.Emit(domain.StageInterpretation, domain.RoleInterpretation, "orchestrator", domain.DecisionComponent,
			"defaulted", wf.Message, string(out.RequestType), "interpretation_default_fill", "", nil)
	}

	wf.RequestType = out.RequestType
	return stagemachine.Decision{Next: domain.StageValidatorA}, nil
}

func validRequestType(rt domain.RequestType) bool {
	switch rt {
	case domain.RequestSimpleQuestion, domain.RequestInformationQuery, domain.RequestCodeGeneration,
		domain.RequestComplexTask, domain.RequestPlanningOnly:
		return true
	}
	return false
}
