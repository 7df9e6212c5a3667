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

package sandbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
)

func echoSpec() *ToolSpec {
	return &ToolSpec{
		Name: "echo",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"message"},
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, string, string, ResourceUsage, error) {
			return map[string]any{"echoed": args["message"]}, "", "", ResourceUsage{}, nil
		},
	}
}

func TestExecute_Succeeds(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000})
	require.NoError(t, sb.Register(echoSpec()))

	result, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "echo",
		Arguments: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, "hi", result.Output["echoed"])
}

func TestExecute_UnknownTool(t *testing.T) {
	sb := New(config.SandboxConfig{})
	_, err := sb.Execute(context.Background(), domain.FunctionCall{Name: "nope"})
	assert.Error(t, err)
}

func TestExecute_MissingRequiredArgument(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000})
	require.NoError(t, sb.Register(echoSpec()))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{Name: "echo", Arguments: map[string]any{}})
	assert.Error(t, err)
}

func TestExecute_WrongArgumentType(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000})
	require.NoError(t, sb.Register(echoSpec()))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "echo",
		Arguments: map[string]any{"message": 42},
	})
	assert.Error(t, err)
}

func TestExecute_DeniedPatternRejectedBeforeHandlerRuns(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000})
	ran := false
	spec := &ToolSpec{
		Name:           "danger",
		DeniedPatterns: []*regexp.Regexp{regexp.MustCompile("rm -rf")},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, string, string, ResourceUsage, error) {
			ran = true
			return nil, "", "", ResourceUsage{}, nil
		},
	}
	require.NoError(t, sb.Register(spec))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "danger",
		Arguments: map[string]any{"command": "rm -rf /"},
	})
	var violation *domain.SandboxViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.SandboxForbidden, violation.Kind)
	assert.False(t, ran, "handler must never run once a denied pattern matches")
}

func TestExecute_WallTimeExceeded(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 20})
	spec := &ToolSpec{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, string, string, ResourceUsage, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return map[string]any{}, "", "", ResourceUsage{}, nil
			case <-ctx.Done():
				return nil, "", "", ResourceUsage{}, ctx.Err()
			}
		},
	}
	require.NoError(t, sb.Register(spec))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{Name: "slow"})
	var violation *domain.SandboxViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.SandboxTimeout, violation.Kind)
}

func TestExecute_MemoryLimitExceeded(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000, MemMB: 1})
	spec := &ToolSpec{
		Name: "hungry",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, string, string, ResourceUsage, error) {
			return map[string]any{}, "", "", ResourceUsage{MemoryKB: 4096}, nil
		},
	}
	require.NoError(t, sb.Register(spec))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{Name: "hungry"})
	var violation *domain.SandboxViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.SandboxMemory, violation.Kind)
}

func TestExecute_HandlerErrorReturnsFailedStatusNotGoError(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 1000})
	spec := &ToolSpec{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, string, string, ResourceUsage, error) {
			return nil, "", "boom", ResourceUsage{}, errors.New("handler failed")
		},
	}
	require.NoError(t, sb.Register(spec))

	result, err := sb.Execute(context.Background(), domain.FunctionCall{Name: "broken"})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Stderr, "boom")
	assert.Contains(t, result.Stderr, "handler failed")
}
