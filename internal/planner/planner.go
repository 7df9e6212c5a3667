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

// Package planner implements C8: generate_plan's procedural-recall →
// task-analysis → decomposition → risk-assessment → alternative-generation
// → evaluation pipeline. Strategy-kind dispatch (conservative/balanced/
// aggressive) is grounded on pkg/reasoning/factory.go's switch-on-a-kind-
// string idiom, narrowed from a full ReasoningEngine/ReasoningStrategy
// interface hierarchy (that machinery drives iterative agent reasoning
// loops, not one-shot plan generation) down to a prompt/temperature
// variant per kind. Alternative fan-out uses golang.org/x/sync/errgroup,
// the teacher's own dependency for bounded concurrent work.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// PatternRecaller is the narrow slice of Reflector's stored patterns
// Planner needs for procedural recall (spec §4.8.1). Reflector (C11)
// implements this against its own persistence; Planner only depends on
// the interface to avoid importing Reflector.
type PatternRecaller interface {
	Recall(ctx context.Context, signature string) (*domain.LearningPattern, bool, error)
}

// Generator is the slice of llmgateway.Gateway Planner depends on.
// *llmgateway.Gateway satisfies this directly.
type Generator interface {
	Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error)
}

// ModelSelector is the slice of registry.Registry Planner depends on.
// *registry.Registry satisfies this directly.
type ModelSelector interface {
	SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error)
}

// Config bounds Planner's LLM call timeouts and step defaults.
type Config struct {
	AnalysisTimeout      time.Duration
	DecompositionTimeout time.Duration
	DefaultStepTimeoutMs int64
}

func (c Config) withDefaults() Config {
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 300 * time.Second
	}
	if c.DecompositionTimeout <= 0 {
		c.DecompositionTimeout = 300 * time.Second
	}
	if c.DefaultStepTimeoutMs <= 0 {
		c.DefaultStepTimeoutMs = 300_000
	}
	return c
}

// Planner is the C8 component.
type Planner struct {
	gateway  Generator
	registry ModelSelector
	patterns PatternRecaller
	cfg      Config
}

// New builds a Planner. patterns may be nil, in which case procedural
// recall is always a clean-slate miss.
func New(gateway Generator, reg ModelSelector, patterns PatternRecaller, cfg Config) *Planner {
	return &Planner{gateway: gateway, registry: reg, patterns: patterns, cfg: cfg.withDefaults()}
}

// Request is generate_plan's input (spec §4.8).
type Request struct {
	Description          string
	WorkflowID           string
	RequestType          domain.RequestType
	Hints                map[string]string
	GenerateAlternatives bool
	NumAlternatives      int
	// KnownTools names tools already registered/active, used for the
	// known_tool_ratio term of the risk heuristic.
	KnownTools map[string]bool
	// PreviousVersion, when > 0, marks this as a re-plan: the new plan
	// inherits WorkflowID and gets PreviousVersion+1 (spec §4.8: "New
	// plan version inherits workflow_id, increments version").
	PreviousVersion int
}

var alternativeKinds = []string{"conservative", "balanced", "aggressive"}

// GeneratePlan runs the full pipeline and returns the selected plan plus
// every sibling alternative generated alongside it (siblings include the
// winner itself, per spec §4.8.6: "Persist all siblings; mark winner
// primary").
func (p *Planner) GeneratePlan(rc *rtctx.RuntimeContext, req Request) (*domain.Plan, []*domain.Plan, error) {
	signature := fingerprintRequest(req)
	novelty := 1.0
	var seedKind string
	if p.patterns != nil {
		if pattern, ok, err := p.patterns.Recall(rc.Context, signature); err == nil && ok && pattern.RecallEligible() {
			novelty = 0.0
			seedKind = "balanced"
		}
	}

	if !req.GenerateAlternatives {
		plan, err := p.buildPlan(rc, req, seedKind, novelty)
		if err != nil {
			return nil, nil, err
		}
		return plan, []*domain.Plan{plan}, nil
	}

	n := req.NumAlternatives
	if n <= 0 || n > len(alternativeKinds) {
		n = len(alternativeKinds)
	}
	kinds := alternativeKinds[:n]

	plans := make([]*domain.Plan, len(kinds))
	group, gctx := errgroup.WithContext(rc.Context)
	for i, kind := range kinds {
		i, kind := i, kind
		group.Go(func() error {
			branchRC := rc.WithContext(gctx)
			plan, err := p.buildPlan(branchRC, req, kind, novelty)
			if err != nil {
				return fmt.Errorf("alternative %q: %w", kind, err)
			}
			plans[i] = plan
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	siblingIDs := make([]string, len(plans))
	for i, pl := range plans {
		siblingIDs[i] = pl.PlanID
	}
	for _, pl := range plans {
		for _, id := range siblingIDs {
			if id != pl.PlanID {
				pl.Alternatives = append(pl.Alternatives, id)
			}
		}
	}

	winner := selectWinner(plans)
	return winner, plans, nil
}

// buildPlan runs task-analysis, decomposition, and risk-assessment for a
// single strategy kind.
func (p *Planner) buildPlan(rc *rtctx.RuntimeContext, req Request, kind string, novelty float64) (*domain.Plan, error) {
	strategy, err := p.analyzeTask(rc, req, kind)
	if err != nil {
		return nil, err
	}

	steps, err := p.decompose(rc, req, strategy)
	if err != nil {
		return nil, err
	}

	riskScore := riskScore(steps, knownToolRatio(steps, req.KnownTools), novelty)

	now := time.Now()
	return &domain.Plan{
		PlanID:     uuid.New().String(),
		WorkflowID: req.WorkflowID,
		Version:    req.PreviousVersion + 1,
		Goal:       req.Description,
		Strategy:   *strategy,
		Steps:      steps,
		RiskScore:  riskScore,
		Status:     domain.PlanDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// analyzeTask makes the single task-analysis LLM call (spec §4.8.2),
// resolving its prompt by (stage=planning, role=planning) and retrying
// once with a stricter instruction if the first response doesn't parse.
func (p *Planner) analyzeTask(rc *rtctx.RuntimeContext, req Request, kind string) (*domain.Strategy, error) {
	promptID, promptVersion, promptBody, err := rc.Prompts.ResolvePrompt(rc.Context, domain.StagePlanning, domain.RolePlanning, req.Hints)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve planning prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(rc.Context, p.cfg.AnalysisTimeout)
	defer cancel()
	branchRC := rc.WithContext(ctx)

	user := fmt.Sprintf("Request: %s\n\nStrategy kind: %s\n\nRespond with a JSON object: {\"approach\":string,\"assumptions\":[string],\"constraints\":[string],\"success_criteria\":[string]}.", req.Description, strategyKindLabel(kind))

	var strategy domain.Strategy
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			user += "\n\nYour previous response could not be parsed as JSON. Respond with ONLY the JSON object, no prose, no markdown fences."
		}
		ref, err := p.registry.SelectModel(ctx, domain.TaskClassPlanning)
		if err != nil {
			return nil, err
		}
		result, err := p.gateway.Generate(branchRC, ref, llmgateway.ProviderRequest{System: promptBody, User: user, Temperature: temperatureFor(kind)}, llmgateway.GenerateOptions{})
		if err != nil {
			return nil, fmt.Errorf("task analysis LLM call failed: %w", err)
		}

		raw, err := extractJSON(result.Text)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(raw, &strategy); err != nil {
			lastErr = err
			continue
		}
		strategy.Kind = kind
		fillStrategyDefaults(&strategy, rc)
		_, _ = rc.Emit(domain.StagePlanning, domain.RolePlanning, "planner", domain.DecisionComponent,
			"succeeded", req.Description, strategy.Approach, "", "", map[string]any{
				"prompt_id": promptID, "prompt_version": promptVersion, "strategy_kind": kind, "attempt": attempt,
			})
		return &strategy, nil
	}
	return nil, domain.NewPlannerParseError(fmt.Sprintf("could not parse strategy after retry: %v", lastErr))
}

// fillStrategyDefaults fills absent required keys and logs
// reason_code=planner_default_fill (spec §4.8.6).
func fillStrategyDefaults(s *domain.Strategy, rc *rtctx.RuntimeContext) {
	filled := false
	if s.Approach == "" {
		s.Approach = "proceed directly"
		filled = true
	}
	if s.SuccessCriteria == nil {
		s.SuccessCriteria = []string{"request fulfilled"}
		filled = true
	}
	if filled {
		_, _ = rc.Emit(domain.StagePlanning, domain.RolePlanning, "planner", domain.DecisionComponent,
			"defaulted", s.Approach, "", "planner_default_fill", "", nil)
	}
}

func temperatureFor(kind string) float64 {
	switch kind {
	case "conservative":
		return 0.2
	case "aggressive":
		return 0.8
	default:
		return 0.5
	}
}

func strategyKindLabel(kind string) string {
	if kind == "" {
		return "balanced"
	}
	return kind
}

// fingerprintRequest builds the procedural-recall signature: a stable,
// low-cardinality summary of the request rather than its full text, so
// semantically similar requests can share a recalled pattern.
func fingerprintRequest(req Request) string {
	return fmt.Sprintf("%s:%d", req.RequestType, len(req.Description))
}
