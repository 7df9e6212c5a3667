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

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// runStep implements the per-step pipeline: pre-step checkpoint, resolve
// executor, run with retry/backoff under the step's own RetryPolicy, and
// record the outcome. A returned error means the step's retry budget was
// exhausted or its failure was non-recoverable (spec §7).
func (e *Executor) runStep(rc *rtctx.RuntimeContext, run *planRun, step *domain.Step) error {
	if _, err := e.checkpoints.Save(rc.Context, "plan", run.plan.PlanID, run.plan, "pre_step:"+step.StepID, rc.TraceID); err != nil {
		return fmt.Errorf("failed to save pre-step checkpoint for %s: %w", step.StepID, err)
	}

	run.mu.Lock()
	step.State = domain.StepRunning
	run.mu.Unlock()

	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	maxAttempts := step.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for step.Attempts < maxAttempts {
		run.mu.Lock()
		step.Attempts++
		attempt := step.Attempts
		run.mu.Unlock()

		stepCtx, cancel := context.WithTimeout(rc.Context, timeout)
		branchRC := rc.WithContext(stepCtx)
		outputs, err := e.dispatchStep(branchRC, step)
		cancel()

		if err == nil {
			run.mu.Lock()
			step.State = domain.StepSucceeded
			step.Outputs = outputs
			run.mu.Unlock()
			_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
				"succeeded", step.StepID, "", "", "", map[string]any{"attempt": attempt})
			return nil
		}

		lastErr = err
		execErr := classify(err, stepCtx)
		_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "executor", domain.DecisionComponent,
			"failed", step.StepID, err.Error(), execErr.Kind, "", map[string]any{"attempt": attempt})

		if !execErr.Recoverable() || attempt >= maxAttempts {
			break
		}
		backoff(step.RetryPolicy, attempt)
	}

	run.mu.Lock()
	step.State = domain.StepFailed
	run.mu.Unlock()
	return lastErr
}

// dispatchStep resolves the step's executor_ref and runs it (spec
// §4.9.2): tool_ref through the Sandbox, agent_ref through AgentInvoker,
// team_ref through TeamCoordinator. Decision steps choose a branch with
// an LLM call, validation steps run runValidation's structural checks
// (calling the LLM only for a semantic_check), and any other step goes
// through a direct LLM call.
func (e *Executor) dispatchStep(rc *rtctx.RuntimeContext, step *domain.Step) (map[string]any, error) {
	switch step.Type {
	case domain.StepDecision:
		return e.runDecision(rc, step)
	case domain.StepValidation:
		return e.runValidation(rc, step)
	}

	switch step.ExecutorRef.Kind {
	case domain.ExecutorTool:
		return e.runTool(rc, step)
	case domain.ExecutorAgent:
		if e.agents == nil {
			return nil, &domain.ExecutionError{Kind: string(domain.ExecErrStructure), Message: "no agent invoker configured"}
		}
		return e.agents.InvokeAgent(rc, step.ExecutorRef.Name, step)
	case domain.ExecutorTeam:
		if e.teams == nil {
			return nil, &domain.ExecutionError{Kind: string(domain.ExecErrStructure), Message: "no team coordinator configured"}
		}
		return e.teams.InvokeTeam(rc, step.ExecutorRef.Name, step)
	default:
		return e.runInlineLLM(rc, step)
	}
}

func (e *Executor) runTool(rc *rtctx.RuntimeContext, step *domain.Step) (map[string]any, error) {
	if step.FunctionCall == nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrStructure), Message: "tool step has no function_call"}
	}
	result, err := e.sandbox.Execute(rc.Context, *step.FunctionCall)
	if err != nil {
		var violation *domain.SandboxViolation
		if asSandboxViolation(err, &violation) {
			return nil, err
		}
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrEnvironment), Message: err.Error()}
	}
	if result.Status != "succeeded" {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrAgent), Message: result.Stderr}
	}
	return result.Output, nil
}

func (e *Executor) runInlineLLM(rc *rtctx.RuntimeContext, step *domain.Step) (map[string]any, error) {
	ref, err := e.models.SelectModel(rc.Context, domain.TaskClassReasoning)
	if err != nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrEnvironment), Message: err.Error()}
	}
	user := describeInputs(step.Inputs)
	result, err := e.gateway.Generate(rc, ref, llmgateway.ProviderRequest{User: user}, llmgateway.GenerateOptions{})
	if err != nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrEnvironment), Message: err.Error()}
	}
	return map[string]any{"text": result.Text}, nil
}

// decisionOutput is the shape spec §4.9.3 asks the decision LLM call to
// produce.
type decisionOutput struct {
	SelectedBranch string `json:"selected_branch"`
	Rationale      string `json:"rationale"`
}

func (e *Executor) runDecision(rc *rtctx.RuntimeContext, step *domain.Step) (map[string]any, error) {
	ref, err := e.models.SelectModel(rc.Context, domain.TaskClassReasoning)
	if err != nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrEnvironment), Message: err.Error()}
	}
	user := fmt.Sprintf("%s\n\nRespond with a JSON object: {\"selected_branch\":string,\"rationale\":string}.", describeInputs(step.Inputs))
	result, err := e.gateway.Generate(rc, ref, llmgateway.ProviderRequest{User: user}, llmgateway.GenerateOptions{})
	if err != nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrEnvironment), Message: err.Error()}
	}

	var out decisionOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Text)), &out); err != nil || out.SelectedBranch == "" {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrStructure), Message: "decision step produced no selected_branch"}
	}
	return map[string]any{"selected_branch": out.SelectedBranch, "rationale": out.Rationale}, nil
}

// pruneUnselectedBranches skips every step that depends on a just-
// succeeded decision step but names a different branch in its own
// Inputs["branch"] tag than the one the decision selected (spec §4.9.3:
// "selected branch is the only dependency path that becomes ready").
// Steps with no "branch" tag are unaffected by any decision.
func (e *Executor) pruneUnselectedBranches(run *planRun, decision *domain.Step) {
	selected, _ := decision.Outputs["selected_branch"].(string)
	if selected == "" {
		return
	}
	for _, s := range run.plan.Steps {
		if s.State != domain.StepWaiting {
			continue
		}
		dependsOnDecision := false
		for _, dep := range s.Dependencies {
			if dep == decision.StepID {
				dependsOnDecision = true
				break
			}
		}
		if !dependsOnDecision {
			continue
		}
		branch, ok := s.Inputs["branch"].(string)
		if ok && branch != selected {
			s.State = domain.StepSkipped
			run.skipped[s.StepID] = true
		}
	}
}

func describeInputs(inputs map[string]any) string {
	if len(inputs) == 0 {
		return ""
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	return string(raw)
}

// classify maps a step-local error into spec §7's ExecutionError
// taxonomy, preserving an already-classified error (e.g. from runTool)
// and treating context deadline exceeded as ExecErrTimeout.
func classify(err error, ctx context.Context) *domain.ExecutionError {
	var execErr *domain.ExecutionError
	if asExecutionError(err, &execErr) {
		return execErr
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &domain.ExecutionError{Kind: string(domain.ExecErrTimeout), Message: err.Error()}
	}
	var violation *domain.SandboxViolation
	if asSandboxViolation(err, &violation) {
		if violation.Kind == domain.SandboxTimeout {
			return &domain.ExecutionError{Kind: string(domain.ExecErrTimeout), Message: violation.Message}
		}
		return &domain.ExecutionError{Kind: string(domain.ExecErrResource), Message: violation.Message}
	}
	return &domain.ExecutionError{Kind: string(domain.ExecErrUnknown), Message: err.Error()}
}

func asExecutionError(err error, target **domain.ExecutionError) bool {
	if ee, ok := err.(*domain.ExecutionError); ok {
		*target = ee
		return true
	}
	return false
}

func asSandboxViolation(err error, target **domain.SandboxViolation) bool {
	if sv, ok := err.(*domain.SandboxViolation); ok {
		*target = sv
		return true
	}
	return false
}

// backoff sleeps the step's configured backoff before the next retry
// attempt, matching taskqueue.backoffDelay's exponential-with-jitter
// shape (base * 2^(attempt-1) plus a random extra of up to
// policy.Jitter times that delay, no hard cap here since step-level
// MaxAttempts already bounds total wait).
func backoff(policy domain.RetryPolicy, attempt int) {
	base := time.Duration(policy.BackoffBaseMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Float64() * policy.Jitter * float64(delay))
	}
	time.Sleep(delay)
}
