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
	"strings"
	"time"

	"github.com/autoflowhq/orchestrator/internal/approval"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

// maxClarificationRounds bounds the interpretation<->validator_a loop
// (spec §4.10's "validator_a -> interpretation on clarification" has no
// stated retry limit; an unbounded loop would never reach a terminal
// workflow status for a request that simply can't be classified).
const maxClarificationRounds = 2

// ValidatorA is the semantic_validator role: a structural sanity check on
// the interpretation stage's output, not a second LLM classification
// pass. Rejects back to interpretation only when the request itself was
// empty, at most maxClarificationRounds times; a request still empty
// after that is an error. Anything else interpretation could produce
// (including the conservative RequestComplexTask default fill) is
// accepted.
type ValidatorA struct {
	store *Store
}

// NewValidatorA builds a ValidatorA sharing store with the rest of the
// pipeline.
func NewValidatorA(store *Store) *ValidatorA {
	return &ValidatorA{store: store}
}

// Run implements stagemachine.StageHandler.
func (v *ValidatorA) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := v.store.Get(wf.WorkflowID)
	if strings.TrimSpace(wf.Message) == "" {
		if state.ClarificationAttempts >= maxClarificationRounds {
			return stagemachine.Decision{}, fmt.Errorf("validator_a: request still empty after %d clarification rounds", state.ClarificationAttempts)
		}
		state.ClarificationAttempts++
		return stagemachine.Decision{Next: domain.StageInterpretation, Reason: "empty request needs clarification"}, nil
	}
	if !validRequestType(wf.RequestType) {
		return stagemachine.Decision{}, fmt.Errorf("validator_a: interpretation produced an invalid request_type %q", wf.RequestType)
	}
	return stagemachine.Decision{Next: domain.StageRouting}, nil
}

// maxPlanRejections bounds the planning<->validator_b loop the same way
// maxClarificationRounds bounds interpretation<->validator_a.
const maxPlanRejections = 2

// AgentTruster is the slice of registry.Registry ValidatorB needs to
// compute a plan's agent_trust input to approval.Decide.
type AgentTruster interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
}

// Approver is the slice of approval.Gate ValidatorB needs to settle a
// plan's required-approval decision, including the blocking wait for a
// pending human decision.
type Approver interface {
	CreateRequest(ctx context.Context, planID, artifactRef string, assessment domain.RiskAssessment, recommendation string) (*domain.ApprovalRequest, error)
	Get(ctx context.Context, requestID string) (*domain.ApprovalRequest, error)
}

// ValidatorB is the execution_validator role: structurally validates the
// planning stage's output (DAG, non-empty) and settles the plan's
// required-approval decision (spec §4.7), blocking on a pending human
// decision the way spec §5 names "human-approval waits" as one of the
// runtime's cooperative suspension points.
type ValidatorB struct {
	store      *Store
	truster    AgentTruster
	approvals  Approver
	pollPeriod time.Duration
}

// NewValidatorB builds a ValidatorB. approvals may be nil, in which case
// every plan requiring approval is treated as rejected — a deliberately
// conservative default for a deployment that hasn't wired ApprovalGate.
func NewValidatorB(store *Store, truster AgentTruster, approvals Approver) *ValidatorB {
	return &ValidatorB{store: store, truster: truster, approvals: approvals, pollPeriod: 500 * time.Millisecond}
}

// Run implements stagemachine.StageHandler.
func (v *ValidatorB) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := v.store.Get(wf.WorkflowID)
	plan := state.Plan
	if plan == nil {
		return stagemachine.Decision{}, fmt.Errorf("validator_b: no plan on record for workflow %s", wf.WorkflowID)
	}

	if !plan.DependencyGraphIsDAG() || len(plan.Steps) == 0 {
		if state.planRejections >= maxPlanRejections {
			return stagemachine.Decision{}, fmt.Errorf("validator_b: plan %s still structurally invalid after %d re-plans", plan.PlanID, state.planRejections)
		}
		state.planRejections++
		return stagemachine.Decision{Next: domain.StagePlanning, Reason: "plan failed DAG validation"}, nil
	}

	if err := v.settleApproval(rc, plan, wf.RequestType); err != nil {
		return stagemachine.Decision{}, fmt.Errorf("validator_b: %w", err)
	}
	return stagemachine.Decision{Next: domain.StageExecution}, nil
}

// settleApproval resolves plan.Status to either Approved or Failed,
// blocking on a human decision only when the policy matrix requires one.
func (v *ValidatorB) settleApproval(rc *rtctx.RuntimeContext, plan *domain.Plan, requestType domain.RequestType) error {
	trust := v.averageAgentTrust(rc.Context, plan)
	decision := approval.Decide(plan, requestType, trust)

	if !decision.Required {
		plan.Status = domain.PlanApproved
		_, _ = rc.Emit(domain.StageValidatorB, domain.RoleExecutionValidator, "orchestrator", domain.DecisionComponent,
			"auto_approved", plan.PlanID, decision.Rationale, "", "", nil)
		return nil
	}

	if v.approvals == nil {
		plan.Status = domain.PlanFailed
		_, _ = rc.Emit(domain.StageValidatorB, domain.RoleExecutionValidator, "orchestrator", domain.DecisionComponent,
			"failed", plan.PlanID, "no approval gate configured", "human_reject", "", nil)
		return nil
	}

	assessment := domain.RiskAssessment{RiskScore: plan.RiskScore, AgentTrust: trust, Rationale: decision.Rationale}
	for _, step := range plan.Steps {
		if step.RiskLevel == domain.RiskHigh {
			assessment.HighRiskSteps = append(assessment.HighRiskSteps, step.StepID)
		}
	}
	req, err := v.approvals.CreateRequest(rc.Context, plan.PlanID, "plan:"+plan.PlanID, assessment, "review plan before execution")
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	plan.Status = domain.PlanPendingApproval
	_, _ = rc.Emit(domain.StageValidatorB, domain.RoleExecutionValidator, "orchestrator", domain.DecisionComponent,
		"pending_approval", plan.PlanID, req.RequestID, "", "", nil)

	final, err := v.waitForDecision(rc.Context, req.RequestID)
	if err != nil {
		return err
	}

	switch final.Status {
	case domain.ApprovalApproved, domain.ApprovalModified:
		plan.Status = domain.PlanApproved
	default:
		plan.Status = domain.PlanFailed
		_, _ = rc.Emit(domain.StageValidatorB, domain.RoleExecutionValidator, "orchestrator", domain.DecisionHuman,
			"failed", plan.PlanID, final.Feedback, "human_reject", "", nil)
	}
	return nil
}

// waitForDecision polls ApprovalGate until the request leaves pending,
// honoring rc.Context's cancellation. Polling (rather than a
// notification channel) matches this module's stated cooperative-task
// scheduling model (spec §5): no component assumes a shared event loop.
func (v *ValidatorB) waitForDecision(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	for {
		req, err := v.approvals.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to read approval request %s: %w", requestID, err)
		}
		if req.Status != domain.ApprovalPending {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.pollPeriod):
		}
	}
}

// averageAgentTrust is the plan-level agent_trust input to
// approval.Decide: the mean Laplace-smoothed trust across every distinct
// agent_ref step, or 1.0 (fully trusted) when the plan invokes no
// agents.
func (v *ValidatorB) averageAgentTrust(ctx context.Context, plan *domain.Plan) float64 {
	if v.truster == nil {
		return 1.0
	}
	seen := map[string]bool{}
	var sum float64
	var n int
	for _, step := range plan.Steps {
		if step.ExecutorRef.Kind != domain.ExecutorAgent || seen[step.ExecutorRef.Name] {
			continue
		}
		seen[step.ExecutorRef.Name] = true
		agent, err := v.truster.GetAgent(ctx, step.ExecutorRef.Name)
		if err != nil {
			continue
		}
		sum += agent.Metrics.Trust()
		n++
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}
