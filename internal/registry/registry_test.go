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

package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := New(db, "sqlite")
	require.NoError(t, err)
	return r
}

func TestResolvePrompt_FailsUnresolvedWithoutLegacyExempt(t *testing.T) {
	r := newTestRegistry(t)
	_, _, _, err := r.ResolvePrompt(context.Background(), domain.StagePlanning, domain.RolePlanning, nil)
	require.Error(t, err)
	var target *domain.PromptUnresolvedError
	require.ErrorAs(t, err, &target)
}

func TestResolvePrompt_ComponentDefault(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPrompt(ctx, "planning-default", 1, "plan this task")
	require.NoError(t, err)
	require.NoError(t, r.AssignPrompt(ctx, &domain.PromptAssignment{
		Stage: domain.StagePlanning, ComponentRole: domain.RolePlanning,
		PromptID: "planning-default", Version: 1,
	}))

	id, version, body, err := r.ResolvePrompt(ctx, domain.StagePlanning, domain.RolePlanning, nil)
	require.NoError(t, err)
	require.Equal(t, "planning-default", id)
	require.Equal(t, 1, version)
	require.Equal(t, "plan this task", body)
}

func TestResolvePrompt_ScopeHintsTakePrecedence(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPrompt(ctx, "planning-default", 1, "default body")
	require.NoError(t, err)
	_, err = r.RegisterPrompt(ctx, "planning-experiment", 1, "experimental body")
	require.NoError(t, err)
	require.NoError(t, r.AssignPrompt(ctx, &domain.PromptAssignment{
		Stage: domain.StagePlanning, ComponentRole: domain.RolePlanning,
		PromptID: "planning-default", Version: 1,
	}))
	require.NoError(t, r.AssignPrompt(ctx, &domain.PromptAssignment{
		Stage: domain.StagePlanning, ComponentRole: domain.RolePlanning,
		ScopeKind: "experiment", ScopeID: "exp-1",
		PromptID: "planning-experiment", Version: 1,
	}))

	id, _, body, err := r.ResolvePrompt(ctx, domain.StagePlanning, domain.RolePlanning, map[string]string{"experiment": "exp-1"})
	require.NoError(t, err)
	require.Equal(t, "planning-experiment", id)
	require.Equal(t, "experimental body", body)
}

func TestResolvePrompt_LegacyExemptFallback(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPrompt(ctx, "legacy-prompt", 1, "legacy body")
	require.NoError(t, err)
	require.NoError(t, r.AssignPrompt(ctx, &domain.PromptAssignment{
		Stage: domain.StageInterpretation, ComponentRole: domain.RoleInterpretation,
		PromptID: "legacy-prompt", Version: 1, ScopeKind: "legacy", ScopeID: "legacy",
		LegacyExempt: true,
	}))

	id, _, _, err := r.ResolvePrompt(ctx, domain.StageInterpretation, domain.RoleInterpretation, nil)
	require.NoError(t, err)
	require.Equal(t, "legacy-prompt", id)
}

func TestSelectModel_DeterministicFamilyMapping(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterModel(ctx, &domain.Model{
		ModelID: "reasoning-1", Family: domain.ModelFamilyReasoning, ServerID: "srv-a",
		Status: domain.EntityActive, Priority: 5, Healthy: true, LastHealthy: time.Now(),
	}))
	require.NoError(t, r.RegisterModel(ctx, &domain.Model{
		ModelID: "coding-1", Family: domain.ModelFamilyCoding, ServerID: "srv-b",
		Status: domain.EntityActive, Priority: 5, Healthy: true, LastHealthy: time.Now(),
	}))

	ref, err := r.SelectModel(ctx, domain.TaskClassReasoning)
	require.NoError(t, err)
	require.Equal(t, "reasoning-1", ref.ModelID)

	ref, err = r.SelectModel(ctx, domain.TaskClassCodeGeneration)
	require.NoError(t, err)
	require.Equal(t, "coding-1", ref.ModelID)
}

func TestSelectModel_TieBreakByPriorityThenLastHealthy(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, r.RegisterModel(ctx, &domain.Model{
		ModelID: "low-priority-fresh", Family: domain.ModelFamilyReasoning, ServerID: "srv-a",
		Status: domain.EntityActive, Priority: 1, Healthy: true, LastHealthy: newer,
	}))
	require.NoError(t, r.RegisterModel(ctx, &domain.Model{
		ModelID: "high-priority-stale", Family: domain.ModelFamilyReasoning, ServerID: "srv-b",
		Status: domain.EntityActive, Priority: 10, Healthy: true, LastHealthy: older,
	}))

	ref, err := r.SelectModel(ctx, domain.TaskClassPlanning)
	require.NoError(t, err)
	require.Equal(t, "high-priority-stale", ref.ModelID)
}

func TestSelectModel_FallsBackToAnyHealthyFamilyWhenPreferredUnavailable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterModel(ctx, &domain.Model{
		ModelID: "coding-only", Family: domain.ModelFamilyCoding, ServerID: "srv-a",
		Status: domain.EntityActive, Priority: 1, Healthy: true, LastHealthy: time.Now(),
	}))

	ref, err := r.SelectModel(ctx, domain.TaskClassReasoning)
	require.NoError(t, err)
	require.Equal(t, "coding-only", ref.ModelID)
}

func TestSelectModel_NoModelAvailable(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.SelectModel(context.Background(), domain.TaskClassReasoning)
	require.Error(t, err)
	var target *domain.LLMUnavailableError
	require.ErrorAs(t, err, &target)
}

func TestAgentStatusTransition_ActiveToPausedSucceeds(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, &domain.Agent{AgentID: "agent-1", Name: "worker", Status: domain.EntityActive}))
	require.NoError(t, r.SetAgentStatus(ctx, "agent-1", domain.EntityPaused))

	a, err := r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.EntityPaused, a.Status)
}

func TestRecordAgentOutcome_UpdatesTrust(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, &domain.Agent{AgentID: "agent-1", Name: "worker", Status: domain.EntityActive}))
	for i := 0; i < 9; i++ {
		require.NoError(t, r.RecordAgentOutcome(ctx, "agent-1", true, 100))
	}
	require.NoError(t, r.RecordAgentOutcome(ctx, "agent-1", false, 100))

	a, err := r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.InDelta(t, 10.0/12.0, a.Metrics.Trust(), 0.01)
}
