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

package stagemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

type fakeSink struct{ events []*domain.ExecutionEvent }

func (f *fakeSink) Append(ctx context.Context, ev *domain.ExecutionEvent) (string, error) {
	f.events = append(f.events, ev)
	return "ev", nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func newTestRC(sink *fakeSink) *rtctx.RuntimeContext {
	rc := rtctx.New(context.Background(), sink, nil, "wf-1", "sess-1", "trace-1")
	rc.Clock = fakeClock{now: time.Unix(0, 0)}
	return rc
}

// scriptedHandler returns a fixed Decision each time it's run, and counts
// invocations so tests can assert on visit order/count.
type scriptedHandler struct {
	decision Decision
	err      error
	calls    int
}

func (h *scriptedHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (Decision, error) {
	h.calls++
	return h.decision, h.err
}

func newWorkflow(stage domain.Stage) *domain.Workflow {
	return &domain.Workflow{WorkflowID: "wf-1", CurrentStage: stage, Status: domain.WorkflowRunning}
}

func TestLegal_CanonicalEdgesAreLegalAndOthersAreNot(t *testing.T) {
	assert.True(t, Legal(domain.StageInterpretation, domain.StageValidatorA))
	assert.True(t, Legal(domain.StageValidatorA, domain.StageRouting))
	assert.True(t, Legal(domain.StageValidatorA, domain.StageInterpretation))
	assert.True(t, Legal(domain.StageRouting, domain.StagePlanning))
	assert.True(t, Legal(domain.StageRouting, domain.StageExecution))
	assert.True(t, Legal(domain.StagePlanning, domain.StageValidatorB))
	assert.True(t, Legal(domain.StageValidatorB, domain.StageExecution))
	assert.True(t, Legal(domain.StageValidatorB, domain.StagePlanning))
	assert.True(t, Legal(domain.StageExecution, domain.StageReflection))
	assert.True(t, Legal(domain.StageReflection, domain.StageRegistryUpdate))

	assert.False(t, Legal(domain.StageInterpretation, domain.StageExecution))
	assert.False(t, Legal(domain.StageRouting, domain.StageReflection))
	assert.False(t, Legal(domain.StageRegistryUpdate, domain.StageInterpretation))
}

func TestRun_WalksFullHappyPath(t *testing.T) {
	m := New()
	m.Register(domain.StageInterpretation, &scriptedHandler{decision: Decision{Next: domain.StageValidatorA}})
	m.Register(domain.StageValidatorA, &scriptedHandler{decision: Decision{Next: domain.StageRouting}})
	m.Register(domain.StageRouting, &scriptedHandler{decision: Decision{Next: domain.StagePlanning}})
	m.Register(domain.StagePlanning, &scriptedHandler{decision: Decision{Next: domain.StageValidatorB}})
	m.Register(domain.StageValidatorB, &scriptedHandler{decision: Decision{Next: domain.StageExecution}})
	m.Register(domain.StageExecution, &scriptedHandler{decision: Decision{Next: domain.StageReflection}})
	m.Register(domain.StageReflection, &scriptedHandler{decision: Decision{Next: domain.StageRegistryUpdate}})
	m.Register(domain.StageRegistryUpdate, &scriptedHandler{decision: Decision{Done: true}})

	sink := &fakeSink{}
	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(sink), wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRegistryUpdate, wf.CurrentStage)
	assert.Len(t, sink.events, 8)
}

func TestRun_SimpleQuestionShortcutsRoutingToExecution(t *testing.T) {
	m := New()
	m.Register(domain.StageInterpretation, &scriptedHandler{decision: Decision{Next: domain.StageValidatorA}})
	m.Register(domain.StageValidatorA, &scriptedHandler{decision: Decision{Next: domain.StageRouting}})
	m.Register(domain.StageRouting, &scriptedHandler{decision: Decision{Next: domain.StageExecution}})
	m.Register(domain.StageExecution, &scriptedHandler{decision: Decision{Next: domain.StageReflection}})
	m.Register(domain.StageReflection, &scriptedHandler{decision: Decision{Next: domain.StageRegistryUpdate}})
	m.Register(domain.StageRegistryUpdate, &scriptedHandler{decision: Decision{Done: true}})

	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRegistryUpdate, wf.CurrentStage)
}

func TestRun_ValidatorARejectionLoopsBackToInterpretation(t *testing.T) {
	interp := &scriptedHandler{decision: Decision{Next: domain.StageValidatorA}}
	m := New()
	m.Register(domain.StageInterpretation, interp)

	validatorCalls := 0
	m.Register(domain.StageValidatorA, handlerFunc(func(rc *rtctx.RuntimeContext, wf *domain.Workflow) (Decision, error) {
		validatorCalls++
		if validatorCalls == 1 {
			return Decision{Next: domain.StageInterpretation, Reason: "rejected"}, nil
		}
		return Decision{Next: domain.StageRouting}, nil
	}))
	m.Register(domain.StageRouting, &scriptedHandler{decision: Decision{Next: domain.StageExecution}})
	m.Register(domain.StageExecution, &scriptedHandler{decision: Decision{Next: domain.StageReflection}})
	m.Register(domain.StageReflection, &scriptedHandler{decision: Decision{Next: domain.StageRegistryUpdate}})
	m.Register(domain.StageRegistryUpdate, &scriptedHandler{decision: Decision{Done: true}})

	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.NoError(t, err)
	assert.Equal(t, 2, interp.calls)
	assert.Equal(t, 2, validatorCalls)
}

func TestRun_IllegalTransitionIsAnError(t *testing.T) {
	m := New()
	m.Register(domain.StageInterpretation, &scriptedHandler{decision: Decision{Next: domain.StageExecution}})

	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
}

func TestRun_MissingHandlerIsAnError(t *testing.T) {
	m := New()
	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestRun_HandlerErrorAborts(t *testing.T) {
	m := New()
	m.Register(domain.StageInterpretation, &scriptedHandler{err: assertError{"boom"}})
	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.Error(t, err)
}

func TestRun_TerminalWorkflowStatusRejectsAdvance(t *testing.T) {
	m := New()
	m.Register(domain.StageInterpretation, &scriptedHandler{decision: Decision{Next: domain.StageValidatorA}})
	wf := newWorkflow(domain.StageInterpretation)
	wf.Status = domain.WorkflowCompleted

	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.Error(t, err)
}

type handlerFunc func(rc *rtctx.RuntimeContext, wf *domain.Workflow) (Decision, error)

func (f handlerFunc) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (Decision, error) {
	return f(rc, wf)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

type recordingTracer struct {
	stages []string
}

func (t *recordingTracer) StartStage(ctx context.Context, stage, workflowID, traceID string) (context.Context, func()) {
	t.stages = append(t.stages, stage)
	return ctx, func() {}
}

func TestRun_WithTracerSpansEveryStage(t *testing.T) {
	tracer := &recordingTracer{}
	m := New().WithTracer(tracer)
	m.Register(domain.StageInterpretation, &scriptedHandler{decision: Decision{Next: domain.StageValidatorA}})
	m.Register(domain.StageValidatorA, &scriptedHandler{decision: Decision{Next: domain.StageRouting}})
	m.Register(domain.StageRouting, &scriptedHandler{decision: Decision{Next: domain.StageExecution}})
	m.Register(domain.StageExecution, &scriptedHandler{decision: Decision{Next: domain.StageReflection}})
	m.Register(domain.StageReflection, &scriptedHandler{decision: Decision{Next: domain.StageRegistryUpdate}})
	m.Register(domain.StageRegistryUpdate, &scriptedHandler{decision: Decision{Done: true}})

	wf := newWorkflow(domain.StageInterpretation)
	err := m.Run(newTestRC(&fakeSink{}), wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"interpretation", "validator_a", "routing", "execution", "reflection", "registry_update"}, tracer.stages)
}
