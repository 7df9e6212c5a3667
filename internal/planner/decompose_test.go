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

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

func TestToDomainSteps_RewritesDependenciesToRealStepIDs(t *testing.T) {
	raw := []rawStep{
		{Local: "a", Type: "action", ExecutorKind: "tool", ExecutorName: "search"},
		{Local: "b", Type: "action", ExecutorKind: "tool", ExecutorName: "write", Dependencies: []string{"a"}},
	}
	steps, err := toDomainSteps(raw)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []string{steps[0].StepID}, steps[1].Dependencies)
	assert.NotEqual(t, steps[0].StepID, steps[1].StepID)
}

func TestToDomainSteps_UnknownDependencyIsError(t *testing.T) {
	raw := []rawStep{{Local: "a", Dependencies: []string{"ghost"}}}
	_, err := toDomainSteps(raw)
	assert.Error(t, err)
}

func TestToDomainSteps_DuplicateLocalIDIsError(t *testing.T) {
	raw := []rawStep{{Local: "a"}, {Local: "a"}}
	_, err := toDomainSteps(raw)
	assert.Error(t, err)
}

func TestToDomainSteps_UnknownEnumsFallBackToSafeDefaults(t *testing.T) {
	raw := []rawStep{{Local: "a", Type: "bogus", ExecutorKind: "bogus", RiskLevel: "bogus"}}
	steps, err := toDomainSteps(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.StepAction, steps[0].Type)
	assert.Equal(t, domain.ExecutorInlineLLM, steps[0].ExecutorRef.Kind)
	assert.Equal(t, domain.RiskMedium, steps[0].RiskLevel)
}

func TestAssignTopologicalIndex_LinearChain(t *testing.T) {
	a := &domain.Step{StepID: "a"}
	b := &domain.Step{StepID: "b", Dependencies: []string{"a"}}
	c := &domain.Step{StepID: "c", Dependencies: []string{"b"}}
	steps := []*domain.Step{c, a, b}

	require.NoError(t, assignTopologicalIndex(steps))
	assert.Equal(t, 0, a.Index)
	assert.Equal(t, 1, b.Index)
	assert.Equal(t, 2, c.Index)
}

func TestAssignTopologicalIndex_TiesBrokenByFirstSeen(t *testing.T) {
	first := &domain.Step{StepID: "first"}
	second := &domain.Step{StepID: "second"}
	steps := []*domain.Step{first, second}

	require.NoError(t, assignTopologicalIndex(steps))
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)
}

func TestAssignTopologicalIndex_DetectsCycle(t *testing.T) {
	a := &domain.Step{StepID: "a", Dependencies: []string{"b"}}
	b := &domain.Step{StepID: "b", Dependencies: []string{"a"}}
	err := assignTopologicalIndex([]*domain.Step{a, b})
	assert.Error(t, err)
}

func TestAssignTopologicalIndex_UnknownDependencyIsError(t *testing.T) {
	a := &domain.Step{StepID: "a", Dependencies: []string{"ghost"}}
	err := assignTopologicalIndex([]*domain.Step{a})
	assert.Error(t, err)
}
