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

// Package reflector implements C11: plan-quality scoring, prompt
// performance metrics, and micro/meso/macro LearningPattern emission
// (SPEC_FULL.md §4.11). The confidence-from-failure-rate heuristic
// ("partial credit for attempts", pivot when failure rate crosses a
// threshold) is grounded on pkg/reasoning/reflection.go's
// fallbackAnalysis (no license header, confirmed via the survey); this
// package's plan_quality formula generalizes that same shape (start from
// a success signal, discount by how badly things went) from a single
// iteration's tool results to a whole Plan's step outcomes, risk score,
// and timing. Persistence follows eventlog.go's database/sql schema
// idiom, same as every other C-numbered store in this module.
package reflector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// ApprovalSubmitter is the slice of approval.Gate Reflector needs to gate
// proposal suggestions behind human review. *approval.Gate satisfies this
// directly.
type ApprovalSubmitter interface {
	CreateRequest(ctx context.Context, planID, artifactRef string, assessment domain.RiskAssessment, recommendation string) (*domain.ApprovalRequest, error)
}

// Reflector is the C11 component.
type Reflector struct {
	store     Store
	approvals ApprovalSubmitter
}

// New builds a Reflector. approvals may be nil, in which case proposal
// suggestions are computed and recorded but never submitted for review.
func New(store Store, approvals ApprovalSubmitter) *Reflector {
	return &Reflector{store: store, approvals: approvals}
}

// PlanReflection is Reflect's result: the scored plan quality plus every
// pattern touched by this reflection pass.
type PlanReflection struct {
	PlanID   string
	Quality  float64
	Patterns []*domain.LearningPattern
}

// Reflect implements spec §4.11: scores plan quality, updates prompt
// performance metrics for every prompt_id/prompt_version used while
// executing plan, and records micro (per step), meso (per step-group,
// approximated here as the whole plan's tool-selection shape), and macro
// (per plan) LearningPatterns. actualMs is the plan's measured wall-clock
// execution time, used by the timing term of the quality formula.
func (r *Reflector) Reflect(rc *rtctx.RuntimeContext, plan *domain.Plan, actualMs int64) (*PlanReflection, error) {
	quality := planQuality(plan, actualMs)

	patterns := make([]*domain.LearningPattern, 0, len(plan.Steps)+2)

	for _, step := range plan.Steps {
		pattern, err := r.recordStepOutcome(rc, plan, step)
		if err != nil {
			return nil, err
		}
		if pattern != nil {
			patterns = append(patterns, pattern)
		}
	}

	mesoPattern, err := r.recordToolSelectionPattern(rc, plan)
	if err != nil {
		return nil, err
	}
	if mesoPattern != nil {
		patterns = append(patterns, mesoPattern)
	}

	macroPattern, err := r.recordStrategyPattern(rc, plan, quality)
	if err != nil {
		return nil, err
	}
	if macroPattern != nil {
		patterns = append(patterns, macroPattern)
	}

	_, _ = rc.Emit(domain.StageReflection, domain.RoleReflection, "reflector", domain.DecisionComponent,
		"succeeded", plan.PlanID, fmt.Sprintf("quality=%.3f", quality), "", "", map[string]any{
			"plan_id": plan.PlanID, "quality": quality,
		})

	return &PlanReflection{PlanID: plan.PlanID, Quality: quality, Patterns: patterns}, nil
}

// planQuality implements SPEC_FULL.md §4.11's formula:
//
//	quality = success_rate_of_steps*0.6 + (1-risk_score)*0.2 +
//	          min(1, expected_ms/actual_ms)*0.2
func planQuality(plan *domain.Plan, actualMs int64) float64 {
	successRate := stepSuccessRate(plan.Steps)

	var expectedMs int64
	for _, s := range plan.Steps {
		expectedMs += s.TimeoutMs
	}

	timingTerm := 1.0
	if actualMs > 0 {
		timingTerm = float64(expectedMs) / float64(actualMs)
		if timingTerm > 1 {
			timingTerm = 1
		}
	}

	return successRate*0.6 + (1-plan.RiskScore)*0.2 + timingTerm*0.2
}

// stepSuccessRate counts succeeded steps against every step that reached
// a terminal, counted state; skipped steps (pruned decision branches)
// don't count against or for the rate since they were never attempted.
func stepSuccessRate(steps []*domain.Step) float64 {
	var attempted, succeeded int
	for _, s := range steps {
		switch s.State {
		case domain.StepSucceeded:
			attempted++
			succeeded++
		case domain.StepFailed, domain.StepCancelled:
			attempted++
		}
	}
	if attempted == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(attempted)
}

// recordStepOutcome updates the micro-level pattern for a single step's
// executor (spec §4.11: "micro per step").
func (r *Reflector) recordStepOutcome(rc *rtctx.RuntimeContext, plan *domain.Plan, step *domain.Step) (*domain.LearningPattern, error) {
	if step.State != domain.StepSucceeded && step.State != domain.StepFailed {
		return nil, nil
	}
	signature := stepSignature(step)
	succeeded := step.State == domain.StepSucceeded
	return r.store.RecordObservation(rc.Context, domain.LearningToolSelection, domain.ReflectionMicro, signature, succeeded)
}

// recordToolSelectionPattern updates the meso-level pattern for this
// plan's overall tool-selection shape (spec §4.11: "meso per
// step-group"), approximated as the sorted set of distinct executor
// names the plan resolved to.
func (r *Reflector) recordToolSelectionPattern(rc *rtctx.RuntimeContext, plan *domain.Plan) (*domain.LearningPattern, error) {
	names := make(map[string]bool)
	for _, s := range plan.Steps {
		if s.ExecutorRef.Name != "" {
			names[s.ExecutorRef.Name] = true
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	signature := groupSignature(names)
	succeeded := stepSuccessRate(plan.Steps) >= 0.5
	return r.store.RecordObservation(rc.Context, domain.LearningToolSelection, domain.ReflectionMeso, signature, succeeded)
}

// recordStrategyPattern updates the macro-level pattern for this plan's
// strategy kind (spec §4.11: "macro per plan"), keyed on strategy kind
// plus step count. This is not the signature Planner's procedural recall
// looks up (fingerprintRequest in internal/planner uses request_type plus
// description length), so Planner's recall does not find the patterns
// recorded here.
func (r *Reflector) recordStrategyPattern(rc *rtctx.RuntimeContext, plan *domain.Plan, quality float64) (*domain.LearningPattern, error) {
	signature := strategySignature(plan)
	succeeded := quality >= 0.7
	return r.store.RecordObservation(rc.Context, domain.LearningStrategy, domain.ReflectionMacro, signature, succeeded)
}

func stepSignature(step *domain.Step) string {
	return fmt.Sprintf("%s:%s:%s", step.Type, step.ExecutorRef.Kind, step.ExecutorRef.Name)
}

func groupSignature(names map[string]bool) string {
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(fmt.Sprintf("%v", sorted)))
	return hex.EncodeToString(h[:])[:16]
}

func strategySignature(plan *domain.Plan) string {
	return fmt.Sprintf("%s:%d", plan.Strategy.Kind, len(plan.Steps))
}

// Recall implements planner.PatternRecaller against this Reflector's
// store, looking up whatever signature the caller passes.
func (r *Reflector) Recall(ctx context.Context, signature string) (*domain.LearningPattern, bool, error) {
	return r.store.Recall(ctx, signature)
}

// RecordPromptOutcome folds one prompt invocation's outcome and latency
// into that prompt version's rolling metrics. Callers are whichever
// component resolved and used the prompt (interpretation, planning,
// validation, reflection) — Reflector itself never calls a prompt, it
// only aggregates what others report.
func (r *Reflector) RecordPromptOutcome(ctx context.Context, promptID string, version int, succeeded bool, latencyMs int64) (*PromptMetrics, error) {
	if promptID == "" {
		return nil, nil
	}
	return r.store.RecordPromptOutcome(ctx, promptID, version, succeeded, latencyMs)
}

// proposalThreshold is the success-rate floor below which a prompt with
// enough samples to trust is flagged for review. Matches
// domain.LearningPattern.RecallEligible's 0.7 bar so a prompt judged
// "learnable" by one path is judged by the same bar on the other.
const proposalThreshold = 0.7

// minProposalSamples is the sample count a prompt needs before its
// success rate is trusted enough to propose retiring it.
const minProposalSamples = 5

// ProposePromptRevision checks promptID/version's recorded metrics and,
// if its success rate has fallen under proposalThreshold on at least
// minProposalSamples observations, submits an ApprovalRequest recommending
// review. It never applies any change itself — spec §4.11: "suggestions
// only, never auto-applied". Returns nil, nil when no proposal is
// warranted (metrics absent, sample count too low, or rate still healthy)
// or when no ApprovalSubmitter was configured.
func (r *Reflector) ProposePromptRevision(ctx context.Context, promptID string, version int) (*domain.ApprovalRequest, error) {
	if r.approvals == nil {
		return nil, nil
	}
	metrics, err := r.store.PromptMetrics(ctx, promptID, version)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		return nil, nil
	}
	total := metrics.Successes + metrics.Failures
	if total < minProposalSamples || metrics.SuccessRate() >= proposalThreshold {
		return nil, nil
	}

	assessment := domain.RiskAssessment{
		RiskScore: 1 - metrics.SuccessRate(),
		Rationale: fmt.Sprintf("prompt %s v%d succeeded %d/%d times (%.0f%%), below the %.0f%% review threshold",
			promptID, version, metrics.Successes, total, metrics.SuccessRate()*100, proposalThreshold*100),
	}
	artifactRef := fmt.Sprintf("prompt:%s:%d", promptID, version)
	return r.approvals.CreateRequest(ctx, "", artifactRef, assessment, "review and consider revising or retiring this prompt version")
}
