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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

func TestValidatorA_ClarifiesOnEmptyMessageThenGivesUp(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.Message = ""
	wf.RequestType = domain.RequestComplexTask
	store := NewStore()
	v := NewValidatorA(store)

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInterpretation, decision.Next)

	decision, err = v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInterpretation, decision.Next)

	_, err = v.Run(rc, wf)
	require.Error(t, err)
}

func TestValidatorA_RejectsInvalidRequestType(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestType("NOT_REAL")
	store := NewStore()
	v := NewValidatorA(store)

	_, err := v.Run(rc, wf)
	assert.Error(t, err)
}

func TestValidatorA_AdvancesToRoutingOnValidType(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestSimpleQuestion
	store := NewStore()
	v := NewValidatorA(store)

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, stagemachine.Decision{Next: domain.StageRouting}, decision)
}

func simplePlan(workflowID string) *domain.Plan {
	return &domain.Plan{
		PlanID:     "plan-1",
		WorkflowID: workflowID,
		Version:    1,
		Steps: []*domain.Step{
			{StepID: "s1", PlanID: "plan-1", Index: 0, Type: domain.StepAction, RiskLevel: domain.RiskLow},
		},
	}
}

func TestValidatorB_RejectsNonDAGPlanBackToPlanningThenFails(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask
	store := NewStore()
	state := store.Get(wf.WorkflowID)
	state.Plan = &domain.Plan{PlanID: "bad", WorkflowID: wf.WorkflowID, Steps: nil}
	v := NewValidatorB(store, nil, nil)

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePlanning, decision.Next)

	decision, err = v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePlanning, decision.Next)

	_, err = v.Run(rc, wf)
	assert.Error(t, err)
}

func TestValidatorB_AutoApprovesLowRiskSimpleQuestion(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestSimpleQuestion
	store := NewStore()
	plan := simplePlan(wf.WorkflowID)
	store.Get(wf.WorkflowID).Plan = plan
	v := NewValidatorB(store, nil, nil)

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecution, decision.Next)
	assert.Equal(t, domain.PlanApproved, plan.Status)
}

func TestValidatorB_FailsWhenApprovalRequiredButGateUnconfigured(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask
	store := NewStore()
	plan := simplePlan(wf.WorkflowID)
	plan.RiskScore = 0.9
	store.Get(wf.WorkflowID).Plan = plan
	v := NewValidatorB(store, nil, nil)

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecution, decision.Next)
	assert.Equal(t, domain.PlanFailed, plan.Status)
}

type fakeApprover struct {
	mu      sync.Mutex
	req     *domain.ApprovalRequest
	created int
}

func (f *fakeApprover) CreateRequest(_ context.Context, planID, artifactRef string, assessment domain.RiskAssessment, recommendation string) (*domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.req = &domain.ApprovalRequest{RequestID: "req-1", PlanID: planID, Status: domain.ApprovalPending, RiskAssessment: assessment}
	return f.req, nil
}

func (f *fakeApprover) Get(_ context.Context, requestID string) (*domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req, nil
}

func (f *fakeApprover) approve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req.Status = domain.ApprovalApproved
}

func TestValidatorB_WaitsThenApprovesPendingDecision(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask
	store := NewStore()
	plan := simplePlan(wf.WorkflowID)
	plan.RiskScore = 0.9
	store.Get(wf.WorkflowID).Plan = plan

	approver := &fakeApprover{}
	v := NewValidatorB(store, nil, approver)
	v.pollPeriod = time.Millisecond

	go func() {
		time.Sleep(5 * time.Millisecond)
		approver.approve()
	}()

	decision, err := v.Run(rc, wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecution, decision.Next)
	assert.Equal(t, domain.PlanApproved, plan.Status)
	assert.Equal(t, 1, approver.created)
}

func TestValidatorB_ContextCancelWhileWaitingIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc, _ := newTestRC()
	rc = rc.WithContext(ctx)
	wf := newTestWorkflow()
	wf.RequestType = domain.RequestComplexTask
	store := NewStore()
	plan := simplePlan(wf.WorkflowID)
	plan.RiskScore = 0.9
	store.Get(wf.WorkflowID).Plan = plan

	approver := &fakeApprover{}
	v := NewValidatorB(store, nil, approver)
	v.pollPeriod = time.Millisecond

	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	_, err := v.Run(rc, wf)
	assert.Error(t, err)
}
