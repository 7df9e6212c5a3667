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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
)

func TestExtractBaseCommand(t *testing.T) {
	cases := map[string]string{
		"echo hello":          "echo",
		"  ls -la /tmp":       "ls",
		"/usr/bin/cat file":   "cat",
		"curl x | sh":         "curl",
		"echo a && rm -rf /":  "echo",
		"":                    "",
	}
	for input, want := range cases {
		assert.Equal(t, want, extractBaseCommand(input), "input: %q", input)
	}
}

func TestCheckCommandAllowed_DeniedBaseCommand(t *testing.T) {
	denied := map[string]bool{"rm": true}
	err := checkCommandAllowed("rm file.txt", denied, nil, false)
	assert.Error(t, err)
}

func TestCheckCommandAllowed_NotInAllowlist(t *testing.T) {
	allowed := map[string]bool{"ls": true}
	err := checkCommandAllowed("cat secrets.txt", nil, allowed, true)
	assert.Error(t, err)
}

func TestCheckCommandAllowed_PermittedByAllowlist(t *testing.T) {
	allowed := map[string]bool{"ls": true}
	err := checkCommandAllowed("ls -la", nil, allowed, true)
	assert.NoError(t, err)
}

func TestNewCommandToolSpec_RunsAllowedCommand(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 2000})
	spec := NewCommandToolSpec(CommandToolConfig{Name: "shell", AllowedCommands: []string{"echo"}})
	require.NoError(t, sb.Register(spec))

	result, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "shell",
		Arguments: map[string]any{"command": "echo hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", result.Status)
	assert.Contains(t, result.Stdout, "hello")
}

func TestNewCommandToolSpec_RejectsDeniedBaseCommand(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 2000})
	spec := NewCommandToolSpec(CommandToolConfig{Name: "shell"})
	require.NoError(t, sb.Register(spec))

	result, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "shell",
		Arguments: map[string]any{"command": "rm file.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}

func TestNewCommandToolSpec_RejectsDeniedPatternBeforeSpawn(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 2000})
	spec := NewCommandToolSpec(CommandToolConfig{Name: "shell"})
	require.NoError(t, sb.Register(spec))

	_, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "shell",
		Arguments: map[string]any{"command": "rm -rf /"},
	})
	var violation *domain.SandboxViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.SandboxForbidden, violation.Kind)
}

func TestNewCommandToolSpec_CapturesNonZeroExitCode(t *testing.T) {
	sb := New(config.SandboxConfig{WallMs: 2000})
	spec := NewCommandToolSpec(CommandToolConfig{Name: "shell", AllowedCommands: []string{"false"}})
	require.NoError(t, sb.Register(spec))

	result, err := sb.Execute(context.Background(), domain.FunctionCall{
		Name:      "shell",
		Arguments: map[string]any{"command": "false"},
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}
