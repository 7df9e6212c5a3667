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

// Package executor implements C9: execute(plan_id)'s per-step
// checkpoint -> resolve-executor -> run -> advance-readiness pipeline,
// with retry/backoff, re-planning escalation, and progress monitoring
// (spec §4.9). The scheduler loop and its shared, mutex-guarded
// per-workflow state generalize workflow/executor.go's BaseExecutor/
// ExecutionContext (batch-ready steps run concurrently instead of a
// fixed DAG executor's static ordering); WorkflowResult/AgentResult's
// shape is reduced to each step's map[string]any outputs, with no
// separate step-result type. Both source files are no-header
// (confirmed via the survey), safe to adapt directly.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/sandbox"
)

// Checkpointer is the slice of checkpoint.Store Executor needs.
// *checkpoint.Store satisfies this directly.
type Checkpointer interface {
	Save(ctx context.Context, entityType, entityID string, state any, reason, traceID string) (*domain.Checkpoint, error)
	Latest(ctx context.Context, entityType, entityID string) (*domain.Checkpoint, error)
}

// SandboxRunner is the slice of sandbox.Sandbox Executor needs.
// *sandbox.Sandbox satisfies this directly.
type SandboxRunner interface {
	Execute(ctx context.Context, call domain.FunctionCall) (*sandbox.Result, error)
}

// Generator is the slice of llmgateway.Gateway Executor needs for
// inline_llm steps and decision-step branch selection.
// *llmgateway.Gateway satisfies this directly.
type Generator interface {
	Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error)
}

// ModelSelector is the slice of registry.Registry Executor needs.
type ModelSelector interface {
	SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error)
}

// AgentInvoker runs an agent-backed step. *agent.Invoker satisfies it by
// sending the step to the named agent's A2A endpoint; Executor makes no
// LLM call of its own for agent steps and does not resolve the agent's
// system prompt. Executor only depends on this narrow interface.
type AgentInvoker interface {
	InvokeAgent(rc *rtctx.RuntimeContext, agentName string, step *domain.Step) (outputs map[string]any, err error)
}

// TeamCoordinator runs a team-backed step via A2A coordination.
// Implemented elsewhere; Executor only depends on this narrow interface.
type TeamCoordinator interface {
	InvokeTeam(rc *rtctx.RuntimeContext, teamName string, step *domain.Step) (outputs map[string]any, err error)
}

// Replanner triggers Planner's re-planning path on recoverable step
// exhaustion or slow progress. Implemented by a thin wrapper around
// planner.Planner; Executor only depends on this narrow interface to
// avoid importing planner.
type Replanner interface {
	RePlan(rc *rtctx.RuntimeContext, plan *domain.Plan, reason string) (*domain.Plan, error)
}

// Config bounds Executor's concurrency and progress-monitoring behavior.
type Config struct {
	MaxStepConcurrency int
	// SlowProgressRatio is spec §4.9's 20% lag threshold: if
	// actual_elapsed / expected_elapsed exceeds (1 + SlowProgressRatio),
	// a slow_progress event fires.
	SlowProgressRatio  float64
	DefaultStepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxStepConcurrency <= 0 {
		c.MaxStepConcurrency = 4
	}
	if c.SlowProgressRatio <= 0 {
		c.SlowProgressRatio = 0.2
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 300 * time.Second
	}
	return c
}

// Executor is the C9 component.
type Executor struct {
	checkpoints Checkpointer
	sandbox     SandboxRunner
	gateway     Generator
	models      ModelSelector
	agents      AgentInvoker
	teams       TeamCoordinator
	replanner   Replanner
	cfg         Config
}

// New builds an Executor. agents, teams, and replanner may be nil if the
// plan never exercises those executor kinds / re-planning path; a step
// that needs a nil collaborator fails with ExecutionError(structure).
func New(checkpoints Checkpointer, sb SandboxRunner, gateway Generator, models ModelSelector, agents AgentInvoker, teams TeamCoordinator, replanner Replanner, cfg Config) *Executor {
	return &Executor{
		checkpoints: checkpoints, sandbox: sb, gateway: gateway, models: models,
		agents: agents, teams: teams, replanner: replanner, cfg: cfg.withDefaults(),
	}
}

// planRun holds the mutable, mutex-guarded state shared by the
// concurrently-running steps of one Execute call — the generalization of
// workflow/executor.go's ExecutionContext to this module's Step/Plan
// domain types.
type planRun struct {
	mu        sync.Mutex
	plan      *domain.Plan
	succeeded map[string]bool
	skipped   map[string]bool
	start     time.Time
}

// Execute runs plan to completion (or to a re-planned successor, or to
// failure), implementing spec §4.9's full per-step pipeline.
func (e *Executor) Execute(rc *rtctx.RuntimeContext, plan *domain.Plan) (current *domain.Plan, replacement *domain.Plan, err error) {
	if plan.Status != domain.PlanApproved {
		return plan, nil, fmt.Errorf("plan %s is %s, not approved", plan.PlanID, plan.Status)
	}

	if _, err := e.checkpoints.Save(rc.Context, "plan", plan.PlanID, plan, "pre_plan", rc.TraceID); err != nil {
		return plan, nil, fmt.Errorf("failed to save pre-plan checkpoint: %w", err)
	}

	plan.Status = domain.PlanExecuting
	run := &planRun{plan: plan, succeeded: map[string]bool{}, skipped: map[string]bool{}, start: rc.Clock.Now()}

	replanned := false
	for {
		ready := run.readySteps()
		if len(ready) == 0 {
			break
		}

		failed, stepErr := e.runBatch(rc, run, ready)
		e.checkProgress(rc, run)

		if failed != nil {
			return e.handleStepFailure(rc, run, failed, stepErr, replanned)
		}
	}

	if run.allTerminal() {
		plan.Status = domain.PlanCompleted
		plan.UpdatedAt = rc.Clock.Now()
		_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
			"succeeded", plan.PlanID, "plan completed", "", "", nil)
		return plan, nil, nil
	}

	plan.Status = domain.PlanFailed
	return plan, nil, fmt.Errorf("plan %s stalled: not all steps reached a terminal state", plan.PlanID)
}

// readySteps returns every waiting step whose dependencies have all
// succeeded (skipped dependencies never unblock a dependent — spec:
// "only the selected branch becomes ready").
func (r *planRun) readySteps() []*domain.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ready []*domain.Step
	for _, s := range r.plan.Steps {
		if s.State == domain.StepWaiting && s.ReadyGiven(r.succeeded) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (r *planRun) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.plan.Steps {
		switch s.State {
		case domain.StepSucceeded, domain.StepSkipped, domain.StepCancelled:
		default:
			return false
		}
	}
	return true
}

// runBatch runs every ready step concurrently (bounded by
// MaxStepConcurrency), updating shared state under run.mu as each
// completes. Returns the first step that failed (after its own retries
// were exhausted), or nil if the whole batch succeeded.
func (e *Executor) runBatch(rc *rtctx.RuntimeContext, run *planRun, ready []*domain.Step) (*domain.Step, error) {
	sem := make(chan struct{}, e.cfg.MaxStepConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstFailure *domain.Step
	var firstErr error

	for _, step := range ready {
		step := step
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.runStep(rc, run, step); err != nil {
				mu.Lock()
				if firstFailure == nil {
					firstFailure = step
					firstErr = err
				}
				mu.Unlock()
				return
			}

			run.mu.Lock()
			if step.Type == domain.StepDecision {
				e.pruneUnselectedBranches(run, step)
			}
			run.succeeded[step.StepID] = true
			run.mu.Unlock()
		}()
	}
	wg.Wait()
	return firstFailure, firstErr
}

// handleStepFailure implements spec §7's escalation: retry is already
// exhausted by the time runStep returns an error; here we either
// trigger re-planning once (skipped for steps with approval_required,
// per scenario 5) or mark the plan failed. On the failure path the plan's
// latest checkpoint is only looked up, to emit
// rollback_checkpoint_unavailable when there is none; no checkpointed
// state is restored.
func (e *Executor) handleStepFailure(rc *rtctx.RuntimeContext, run *planRun, step *domain.Step, stepErr error, alreadyReplanned bool) (*domain.Plan, *domain.Plan, error) {
	plan := run.plan
	reason := fmt.Sprintf("step %s failed", step.StepID)
	reasonCode := failureReasonCode(stepErr)

	if !alreadyReplanned && !step.ApprovalRequired && e.replanner != nil {
		newPlan, err := e.replanner.RePlan(rc, plan, reason)
		if err == nil && newPlan != nil {
			plan.Status = domain.PlanSuperseded
			plan.UpdatedAt = rc.Clock.Now()
			_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
				"superseded", plan.PlanID, newPlan.PlanID, "step_failure_replan", "", nil)
			return plan, newPlan, nil
		}
	}

	plan.Status = domain.PlanFailed
	plan.UpdatedAt = rc.Clock.Now()
	if _, err := e.checkpoints.Latest(rc.Context, "plan", plan.PlanID); err != nil {
		_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
			"failed", plan.PlanID, "", "rollback_checkpoint_unavailable", "", nil)
	}
	_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
		"failed", plan.PlanID, reason, reasonCode, "", nil)
	return plan, nil, fmt.Errorf("plan %s failed: %w", plan.PlanID, &domain.ExecutionError{Kind: string(domain.ExecErrUnknown), Message: reason})
}

// failureReasonCode derives the workflow-level reason_code from a step's
// terminal error: a sandbox timeout surfaces distinctly from a generic
// step-budget exhaustion (spec end-to-end scenario 5).
func failureReasonCode(err error) string {
	if err == nil {
		return "step_exhausted"
	}
	if violation, ok := err.(*domain.SandboxViolation); ok {
		return "sandbox_" + string(violation.Kind)
	}
	if execErr, ok := err.(*domain.ExecutionError); ok {
		return "step_exhausted_" + execErr.Kind
	}
	return "step_exhausted"
}

// checkProgress implements spec §4.9's lag-based monitor: compares
// elapsed wall time against the sum of TimeoutMs for steps that have
// reached a terminal state (a proxy for "expected progress"); if actual
// lags expected by more than SlowProgressRatio, emits slow_progress
// without altering control flow (re-planning itself is a separate,
// explicit decision consumers make in reaction to the event).
func (e *Executor) checkProgress(rc *rtctx.RuntimeContext, run *planRun) {
	run.mu.Lock()
	var expectedMs, doneMs int64
	for _, s := range run.plan.Steps {
		expectedMs += s.TimeoutMs
		if s.State == domain.StepSucceeded || s.State == domain.StepSkipped {
			doneMs += s.TimeoutMs
		}
	}
	run.mu.Unlock()
	if expectedMs == 0 {
		return
	}

	actualElapsedMs := rc.Clock.Now().Sub(run.start).Milliseconds()
	expectedElapsedMs := int64(float64(expectedMs) * (float64(doneMs) / float64(expectedMs)))
	if expectedElapsedMs == 0 {
		return
	}
	if float64(actualElapsedMs) > float64(expectedElapsedMs)*(1+e.cfg.SlowProgressRatio) {
		_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
			"warning", run.plan.PlanID, "", "slow_progress", "", map[string]any{
				"actual_elapsed_ms": actualElapsedMs, "expected_elapsed_ms": expectedElapsedMs,
			})
	}
}
