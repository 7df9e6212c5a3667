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

// Package stagemachine implements C10: the canonical stage transition
// table and the driver loop that walks a Workflow through it (SPEC_FULL.md
// §4.10). The per-stage dispatch table is grounded on
// reasoning/factory.go's DefaultReasoningEngineFactory.CreateEngine
// switch-on-a-kind-string idiom (no license header, confirmed via the
// survey): there a kind string selects a reasoning engine constructor,
// here a domain.Stage selects the StageHandler registered for it. The
// machine only knows the legal edges of the graph and drives handlers
// registered against it; it does not itself implement interpretation,
// validation, planning, execution, reflection, or registry-update
// semantics — those are separate components (the handlers in
// internal/orchestrator, wrapping Planner, Executor, Reflector and the
// rest) that satisfy the StageHandler interface.
package stagemachine

import (
	"context"
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// Decision is a StageHandler's report of where the workflow should go
// next. Done is set by the terminal registry_update handler.
type Decision struct {
	Next   domain.Stage
	Done   bool
	Reason string
}

// StageHandler runs the work of one canonical stage and decides the next
// one. Implementations are the interpretation, validator_a, routing,
// planning, validator_b, execution, reflection, and registry_update
// components.
type StageHandler interface {
	Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (Decision, error)
}

// transitions is the canonical, gap-free edge set of SPEC_FULL.md §4.10:
//
//	interpretation -> validator_a
//	validator_a    -> routing | interpretation
//	routing        -> planning | execution   (SIMPLE_QUESTION shortcut)
//	planning       -> validator_b
//	validator_b    -> execution | planning
//	execution      -> reflection
//	reflection     -> registry_update
//	registry_update -> (done)
var transitions = map[domain.Stage][]domain.Stage{
	domain.StageInterpretation: {domain.StageValidatorA},
	domain.StageValidatorA:     {domain.StageRouting, domain.StageInterpretation},
	domain.StageRouting:        {domain.StagePlanning, domain.StageExecution},
	domain.StagePlanning:       {domain.StageValidatorB},
	domain.StageValidatorB:     {domain.StageExecution, domain.StagePlanning},
	domain.StageExecution:      {domain.StageReflection},
	domain.StageReflection:     {domain.StageRegistryUpdate},
	domain.StageRegistryUpdate: {},
}

// Legal reports whether to is a permitted successor of from.
func Legal(from, to domain.Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracer spans one stage's execution. *observability.StageTracer
// satisfies this directly; Machine depends only on this narrow slice to
// avoid importing observability.
type Tracer interface {
	StartStage(ctx context.Context, stage, workflowID, traceID string) (context.Context, func())
}

// Machine drives a Workflow through the canonical stage graph, dispatching
// to the StageHandler registered for each stage it visits.
type Machine struct {
	handlers map[domain.Stage]StageHandler
	tracer   Tracer
}

// New builds an empty Machine; register a handler per stage before Run.
func New() *Machine {
	return &Machine{handlers: make(map[domain.Stage]StageHandler)}
}

// WithTracer attaches a Tracer so every stage hop opens a span (SPEC_FULL
// §10: "every stage transition becomes a span"). Optional — a nil tracer
// (the default) means Run spans nothing.
func (m *Machine) WithTracer(tracer Tracer) *Machine {
	m.tracer = tracer
	return m
}

// Register binds handler to stage, overwriting any previous registration.
func (m *Machine) Register(stage domain.Stage, handler StageHandler) {
	m.handlers[stage] = handler
}

// Run walks wf from its CurrentStage until a handler reports Done or
// returns an error. Each handler's Decision.Next is validated against the
// canonical transition table before being applied — a handler proposing
// an illegal edge is a defect in that handler, surfaced as an error
// rather than silently advancing the workflow.
func (m *Machine) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) error {
	for {
		stage := wf.CurrentStage
		handler, ok := m.handlers[stage]
		if !ok {
			return fmt.Errorf("stagemachine: no handler registered for stage %q", stage)
		}

		decision, err := m.runStage(rc, wf, stage, handler)
		if err != nil {
			return fmt.Errorf("stagemachine: stage %q failed: %w", stage, err)
		}

		_, _ = rc.Emit(stage, stageRole(stage), "stagemachine", domain.DecisionComponent,
			"transitioned", string(stage), string(decision.Next), decision.Reason, "", nil)

		if decision.Done {
			return nil
		}

		if !Legal(stage, decision.Next) {
			return fmt.Errorf("stagemachine: illegal transition %q -> %q", stage, decision.Next)
		}

		if err := wf.SetStage(decision.Next); err != nil {
			return fmt.Errorf("stagemachine: failed to advance workflow stage: %w", err)
		}
	}
}

func (m *Machine) runStage(rc *rtctx.RuntimeContext, wf *domain.Workflow, stage domain.Stage, handler StageHandler) (Decision, error) {
	if m.tracer == nil {
		return handler.Run(rc, wf)
	}
	spanCtx, end := m.tracer.StartStage(rc.Context, string(stage), wf.WorkflowID, rc.TraceID)
	defer end()
	spanned := rc.WithContext(spanCtx)
	return handler.Run(spanned, wf)
}

// stageRole looks up the canonical ComponentRole for stage, falling back
// to the stage name itself for registry_update, which has no dedicated
// role constant (spec's stage<->role mapping only names the first seven).
func stageRole(stage domain.Stage) domain.ComponentRole {
	if role, ok := domain.StageComponentRole[stage]; ok {
		return role
	}
	return domain.ComponentRole(stage)
}
