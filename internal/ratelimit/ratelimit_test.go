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

package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

func TestAllow_DisabledConfigAlwaysAllows(t *testing.T) {
	l, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	result, err := l.Allow(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAllow_WithinLimitIsAllowed(t *testing.T) {
	l, err := New(Config{Enabled: true, Rules: []Rule{{Window: WindowMinute, Limit: 3}}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := l.Allow(ctx, "sess-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestAllow_ExceedingLimitIsDenied(t *testing.T) {
	l, err := New(Config{Enabled: true, Rules: []Rule{{Window: WindowMinute, Limit: 2}}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "sess-1")
	_, _ = l.Allow(ctx, "sess-1")
	result, err := l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.NotEmpty(t, result.Reason)
	assert.Greater(t, result.RetryAfter.Seconds(), 0.0)
}

func TestAllow_DifferentSessionsTrackedIndependently(t *testing.T) {
	l, err := New(Config{Enabled: true, Rules: []Rule{{Window: WindowMinute, Limit: 1}}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r1, err := l.Allow(ctx, "sess-a")
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := l.Allow(ctx, "sess-b")
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
}

func TestNew_RejectsNonPositiveLimit(t *testing.T) {
	_, err := New(Config{Enabled: true, Rules: []Rule{{Window: WindowMinute, Limit: 0}}}, nil)
	assert.Error(t, err)
}

type stubGenerator struct{ calls int }

func (s *stubGenerator) Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error) {
	s.calls++
	return &llmgateway.ProviderResult{Text: "ok"}, nil
}

func TestGatedGateway_BlocksOnceSessionExceedsLimit(t *testing.T) {
	l, err := New(Config{Enabled: true, Rules: []Rule{{Window: WindowMinute, Limit: 1}}}, nil)
	require.NoError(t, err)
	inner := &stubGenerator{}
	gated := NewGatedGateway(inner, l)

	rc := rtctx.New(context.Background(), nil, nil, "wf-1", "sess-1", "trace-1")
	_, err = gated.Generate(rc, domain.ModelRef{}, llmgateway.ProviderRequest{}, llmgateway.GenerateOptions{})
	require.NoError(t, err)

	_, err = gated.Generate(rc, domain.ModelRef{}, llmgateway.ProviderRequest{}, llmgateway.GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
