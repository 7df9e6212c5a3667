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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/sandbox"
)

type fakeCheckpointer struct {
	mu    sync.Mutex
	saved int
}

func (f *fakeCheckpointer) Save(ctx context.Context, entityType, entityID string, state any, reason, traceID string) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return &domain.Checkpoint{CheckpointID: uuid.New().String(), EntityType: entityType, EntityID: entityID}, nil
}

func (f *fakeCheckpointer) Latest(ctx context.Context, entityType, entityID string) (*domain.Checkpoint, error) {
	return &domain.Checkpoint{CheckpointID: "cp-1", EntityType: entityType, EntityID: entityID}, nil
}

type fakeSandbox struct {
	mu      sync.Mutex
	results map[string]*sandbox.Result
	errs    map[string]error
}

func (f *fakeSandbox) Execute(ctx context.Context, call domain.FunctionCall) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[call.Name]; ok {
		return nil, err
	}
	if r, ok := f.results[call.Name]; ok {
		return r, nil
	}
	return &sandbox.Result{Status: "succeeded", Output: map[string]any{}}, nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeGenerator) Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return &llmgateway.ProviderResult{Text: "ok"}, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return &llmgateway.ProviderResult{Text: next}, nil
}

type fakeSelector struct{}

func (fakeSelector) SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error) {
	return domain.ModelRef{ModelID: "stub"}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []*domain.ExecutionEvent
}

func (f *fakeSink) Append(ctx context.Context, ev *domain.ExecutionEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return uuid.New().String(), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeReplanner struct {
	plan *domain.Plan
	err  error
}

func (f *fakeReplanner) RePlan(rc *rtctx.RuntimeContext, plan *domain.Plan, reason string) (*domain.Plan, error) {
	return f.plan, f.err
}

func newTestRC(sink *fakeSink) *rtctx.RuntimeContext {
	rc := rtctx.New(context.Background(), sink, nil, "wf-1", "sess-1", "trace-1")
	rc.Clock = &fakeClock{now: time.Unix(0, 0)}
	return rc
}

func newExecutor(cp Checkpointer, sb SandboxRunner, gen Generator, agents AgentInvoker, teams TeamCoordinator, replanner Replanner) *Executor {
	return New(cp, sb, gen, fakeSelector{}, agents, teams, replanner, Config{})
}

func toolStep(id string, deps []string, toolName string) *domain.Step {
	return &domain.Step{
		StepID:       id,
		Type:         domain.StepAction,
		ExecutorRef:  domain.ExecutorRef{Kind: domain.ExecutorTool, Name: toolName},
		Dependencies: deps,
		TimeoutMs:    1000,
		RetryPolicy:  domain.RetryPolicy{MaxAttempts: 1},
		State:        domain.StepWaiting,
		FunctionCall: &domain.FunctionCall{Name: toolName},
	}
}

func approvedPlan(steps ...*domain.Step) *domain.Plan {
	return &domain.Plan{
		PlanID:     uuid.New().String(),
		WorkflowID: "wf-1",
		Version:    1,
		Status:     domain.PlanApproved,
		Steps:      steps,
	}
}

func TestExecute_RejectsPlanNotApproved(t *testing.T) {
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)
	plan := approvedPlan(toolStep("s1", nil, "t1"))
	plan.Status = domain.PlanDraft

	_, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.Error(t, err)
}

func TestExecute_SingleToolStepSucceeds(t *testing.T) {
	cp := &fakeCheckpointer{}
	e := newExecutor(cp, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)
	plan := approvedPlan(toolStep("s1", nil, "t1"))

	result, replacement, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Nil(t, replacement)
	assert.Equal(t, domain.PlanCompleted, result.Status)
	assert.Equal(t, domain.StepSucceeded, plan.Steps[0].State)
	assert.GreaterOrEqual(t, cp.saved, 2) // pre_plan + pre_step
}

func TestExecute_DependentStepsRunInOrder(t *testing.T) {
	s1 := toolStep("s1", nil, "t1")
	s2 := toolStep("s2", []string{"s1"}, "t2")
	plan := approvedPlan(s1, s2)
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)

	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, result.Status)
	assert.Equal(t, domain.StepSucceeded, s1.State)
	assert.Equal(t, domain.StepSucceeded, s2.State)
}

func TestExecute_DecisionStepPrunesOtherBranch(t *testing.T) {
	decision := &domain.Step{
		StepID:      "d1",
		Type:        domain.StepDecision,
		ExecutorRef: domain.ExecutorRef{Kind: domain.ExecutorInlineLLM},
		TimeoutMs:   1000,
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 1},
		State:       domain.StepWaiting,
	}
	branchA := toolStep("a", []string{"d1"}, "tool_a")
	branchA.Inputs = map[string]any{"branch": "a"}
	branchB := toolStep("b", []string{"d1"}, "tool_b")
	branchB.Inputs = map[string]any{"branch": "b"}

	plan := approvedPlan(decision, branchA, branchB)
	gen := &fakeGenerator{responses: []string{`{"selected_branch":"a","rationale":"a is safer"}`}}
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, gen, nil, nil, nil)

	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, result.Status)
	assert.Equal(t, domain.StepSucceeded, branchA.State)
	assert.Equal(t, domain.StepSkipped, branchB.State)
}

func TestExecute_ValidationStepFailsOnMissingContent(t *testing.T) {
	val := &domain.Step{
		StepID:      "v1",
		Type:        domain.StepValidation,
		TimeoutMs:   1000,
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 1},
		State:       domain.StepWaiting,
		Inputs: map[string]any{
			"subject":      "the answer is 42",
			"must_contain": []any{"forty-two"},
		},
	}
	plan := approvedPlan(val)
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)

	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.Error(t, err)
	assert.Equal(t, domain.PlanFailed, result.Status)
	assert.Equal(t, domain.StepFailed, val.State)
}

func TestExecute_ValidationStepPassesOnSatisfiedChecks(t *testing.T) {
	val := &domain.Step{
		StepID:      "v1",
		Type:        domain.StepValidation,
		TimeoutMs:   1000,
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 1},
		State:       domain.StepWaiting,
		Inputs: map[string]any{
			"subject":      "the answer is forty-two",
			"must_contain": []any{"forty-two"},
		},
	}
	plan := approvedPlan(val)
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)

	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, result.Status)
	assert.Equal(t, domain.StepSucceeded, val.State)
}

func TestExecute_RetryThenSucceeds(t *testing.T) {
	step := toolStep("s1", nil, "t1")
	step.RetryPolicy = domain.RetryPolicy{MaxAttempts: 2, BackoffBaseMs: 1}
	plan := approvedPlan(step)

	var calls int
	var mu sync.Mutex
	sb2 := &sandboxFunc{fn: func(ctx context.Context, call domain.FunctionCall) (*sandbox.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &domain.SandboxViolation{Kind: domain.SandboxMemory, Message: "transient"}
		}
		return &sandbox.Result{Status: "succeeded", Output: map[string]any{}}, nil
	}}

	e := newExecutor(&fakeCheckpointer{}, sb2, &fakeGenerator{}, nil, nil, nil)
	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, result.Status)
	assert.Equal(t, 2, step.Attempts)
}

type sandboxFunc struct {
	fn func(ctx context.Context, call domain.FunctionCall) (*sandbox.Result, error)
}

func (s *sandboxFunc) Execute(ctx context.Context, call domain.FunctionCall) (*sandbox.Result, error) {
	return s.fn(ctx, call)
}

func TestExecute_RetryExhaustionTriggersReplan(t *testing.T) {
	step := toolStep("s1", nil, "t1")
	step.RetryPolicy = domain.RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 1}
	plan := approvedPlan(step)

	sb := &fakeSandbox{errs: map[string]error{"t1": &domain.SandboxViolation{Kind: domain.SandboxMemory, Message: "out of memory"}}}
	newPlan := approvedPlan(toolStep("s1-v2", nil, "t1"))
	replanner := &fakeReplanner{plan: newPlan}

	e := newExecutor(&fakeCheckpointer{}, sb, &fakeGenerator{}, nil, nil, replanner)
	result, replacement, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanSuperseded, result.Status)
	require.NotNil(t, replacement)
	assert.Same(t, newPlan, replacement)
}

func TestExecute_ApprovalRequiredStepSkipsReplanOnSandboxTimeout(t *testing.T) {
	step := toolStep("s1", nil, "t1")
	step.ApprovalRequired = true
	step.RetryPolicy = domain.RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 1}
	plan := approvedPlan(step)

	sb := &fakeSandbox{errs: map[string]error{"t1": &domain.SandboxViolation{Kind: domain.SandboxTimeout, Message: "deadline exceeded"}}}
	replanner := &fakeReplanner{plan: approvedPlan(toolStep("s1-v2", nil, "t1"))}

	e := newExecutor(&fakeCheckpointer{}, sb, &fakeGenerator{}, nil, nil, replanner)
	result, replacement, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.Error(t, err)
	assert.Nil(t, replacement)
	assert.Equal(t, domain.PlanFailed, result.Status)
	assert.Contains(t, err.Error(), "plan")
}

func TestCheckProgress_EmitsSlowProgressPastLagThreshold(t *testing.T) {
	s1 := toolStep("s1", nil, "t1")
	s1.TimeoutMs = 1000
	s1.State = domain.StepSucceeded
	s2 := toolStep("s2", nil, "t2")
	s2.TimeoutMs = 1000
	plan := approvedPlan(s1, s2)

	sink := &fakeSink{}
	rc := newTestRC(sink)
	clock := rc.Clock.(*fakeClock)
	run := &planRun{plan: plan, succeeded: map[string]bool{"s1": true}, skipped: map[string]bool{}, start: clock.Now()}

	// expected elapsed = total(2000ms) * (done(1000)/total(2000)) = 1000ms;
	// actual elapsed well past 1000ms*(1+0.2) trips the lag threshold.
	clock.Advance(5 * time.Second)

	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)
	e.checkProgress(rc, run)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var sawSlowProgress bool
	for _, ev := range sink.events {
		if ev.ReasonCode == "slow_progress" {
			sawSlowProgress = true
		}
	}
	assert.True(t, sawSlowProgress)
}

func TestExecute_ZeroDependencyStepsAllReadyImmediately(t *testing.T) {
	s1 := toolStep("s1", nil, "t1")
	s2 := toolStep("s2", nil, "t2")
	plan := approvedPlan(s1, s2)
	e := newExecutor(&fakeCheckpointer{}, &fakeSandbox{}, &fakeGenerator{}, nil, nil, nil)

	result, _, err := e.Execute(newTestRC(&fakeSink{}), plan)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, result.Status)
}
