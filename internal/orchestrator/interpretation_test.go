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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
)

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(_ *rtctx.RuntimeContext, _ domain.ModelRef, _ llmgateway.ProviderRequest, _ llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llmgateway.ProviderResult{Text: f.text}, nil
}

type fakeModelSelector struct{}

func (fakeModelSelector) SelectModel(_ context.Context, _ domain.TaskClass) (domain.ModelRef, error) {
	return domain.ModelRef{ModelID: "m1", ServerID: "s1"}, nil
}

func TestInterpretationHandler_ParsesRequestType(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	h := NewInterpretationHandler(&fakeGenerator{text: `{"request_type":"SIMPLE_QUESTION","confidence":0.9}`}, fakeModelSelector{})

	decision, err := h.Run(rc, wf)

	require.NoError(t, err)
	assert.Equal(t, stagemachine.Decision{Next: domain.StageValidatorA}, decision)
	assert.Equal(t, domain.RequestSimpleQuestion, wf.RequestType)
}

func TestInterpretationHandler_DefaultsToComplexTaskOnUnparsableReply(t *testing.T) {
	rc, sink := newTestRC()
	wf := newTestWorkflow()
	h := NewInterpretationHandler(&fakeGenerator{text: "not json at all"}, fakeModelSelector{})

	decision, err := h.Run(rc, wf)

	require.NoError(t, err)
	assert.Equal(t, domain.StageValidatorA, decision.Next)
	assert.Equal(t, domain.RequestComplexTask, wf.RequestType)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "interpretation_default_fill", sink.events[0].ReasonCode)
}

func TestInterpretationHandler_DefaultsOnUnrecognizedType(t *testing.T) {
	rc, _ := newTestRC()
	wf := newTestWorkflow()
	h := NewInterpretationHandler(&fakeGenerator{text: `{"request_type":"NOT_A_REAL_TYPE"}`}, fakeModelSelector{})

	_, err := h.Run(rc, wf)

	require.NoError(t, err)
	assert.Equal(t, domain.RequestComplexTask, wf.RequestType)
}
