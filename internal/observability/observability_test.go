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

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllMetricFamilies(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	m.ObserveLLMCall("anthropic", "succeeded", 250*time.Millisecond)
	m.ObserveLLMError("anthropic", "timeout")
	m.ObserveEventAppended("execution")
	m.ObserveApprovalRequest("pending")
	m.ObserveStageTransition("routing", "planning")
	m.SetQueueDepth("queued", 4)
	m.SetLeaseCount("tool", 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMCalls.WithLabelValues("anthropic", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMErrors.WithLabelValues("anthropic", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsAppended.WithLabelValues("execution")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ApprovalRequests.WithLabelValues("pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageTransitions.WithLabelValues("routing", "planning")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueDepth.WithLabelValues("queued")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LeaseCount.WithLabelValues("tool")))
}

func TestInitTracerProvider_DisabledReturnsNoop(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestStageTracer_StartStageReturnsEndFunc(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)

	tracer := NewStageTracer()
	_, end := tracer.StartStage(context.Background(), "planning", "wf-1", "trace-1")
	assert.NotPanics(t, end)
}
