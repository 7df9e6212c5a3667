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

// Package sandbox implements C4: execution of declared, schema-validated
// function calls under resource limits. Grounded on the teacher's
// pkg/tool.CallableTool shape (Name/Description/Schema/Call), narrowed to
// the synchronous, non-streaming path this spec needs, and on
// v2/tool/commandtool's security controls (denied commands/patterns,
// timeout) for the command-execution Handler in commandtool.go.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
)

// Handler runs one tool's declared function against validated arguments.
// Implementations that spawn a subprocess are expected to honor ctx's
// deadline; Execute additionally checks the returned ResourceUsage against
// configured limits after the call returns.
type Handler func(ctx context.Context, args map[string]any) (output map[string]any, stdout, stderr string, usage ResourceUsage, err error)

// ResourceUsage reports what a call actually consumed, for comparison
// against SandboxConfig limits and for inclusion in Result.
type ResourceUsage struct {
	WallMs   int64
	CPUMs    int64
	MemoryKB int64
}

// ToolSpec is a registered, schema-validated callable.
type ToolSpec struct {
	Name string

	// InputSchema is a minimal JSON-schema-shaped map (type/properties/
	// required) validated structurally by validateArgs before dispatch.
	InputSchema map[string]any

	// DeniedPatterns are checked against a string rendering of the call
	// before Handler ever runs (spec §4.4: "rejects calls that reference
	// disallowed syscalls by static signature ... before spawning").
	DeniedPatterns []*regexp.Regexp

	Handler Handler
}

// Result is the public contract's return shape: {status, stdout, stderr,
// result, resource_usage}.
type Result struct {
	Status        string // "succeeded" or "failed"
	Stdout        string
	Stderr        string
	Output        map[string]any
	ResourceUsage ResourceUsage
}

// Sandbox is the C4 component: a registry of ToolSpecs plus the
// resource-limit/forbidden-pattern enforcement around every call.
type Sandbox struct {
	mu     sync.RWMutex
	tools  map[string]*ToolSpec
	limits config.SandboxConfig
}

// New builds a Sandbox enforcing the given default resource limits.
func New(limits config.SandboxConfig) *Sandbox {
	return &Sandbox{tools: make(map[string]*ToolSpec), limits: limits}
}

// Register adds a ToolSpec, replacing any prior registration of the same
// name.
func (s *Sandbox) Register(spec *ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", spec.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[spec.Name] = spec
	return nil
}

// Execute runs a declared function call: validates arguments against the
// tool's input schema, rejects calls matching a denied pattern before
// dispatch, enforces the wall-time limit via context deadline, and checks
// the handler-reported resource usage against the configured memory/CPU
// limits afterward (spec §4.4).
func (s *Sandbox) Execute(ctx context.Context, call domain.FunctionCall) (*Result, error) {
	s.mu.RLock()
	spec, ok := s.tools[call.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no tool registered for %q", call.Name)
	}

	if err := validateArgs(spec.InputSchema, call.Arguments); err != nil {
		return nil, fmt.Errorf("argument validation failed for %q: %w", call.Name, err)
	}

	if pattern := matchesDenied(spec.DeniedPatterns, call); pattern != nil {
		return nil, &domain.SandboxViolation{
			Kind:    domain.SandboxForbidden,
			Message: fmt.Sprintf("call to %q matches denied pattern: %s", call.Name, pattern.String()),
		}
	}

	wallLimit := time.Duration(s.limits.WallMs) * time.Millisecond
	if wallLimit <= 0 {
		wallLimit = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, wallLimit)
	defer cancel()

	start := time.Now()
	output, stdout, stderr, usage, err := spec.Handler(execCtx, call.Arguments)
	usage.WallMs = time.Since(start).Milliseconds()

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, &domain.SandboxViolation{
			Kind:    domain.SandboxTimeout,
			Message: fmt.Sprintf("call to %q exceeded wall-time limit of %s", call.Name, wallLimit),
		}
	}
	if s.limits.MemMB > 0 && usage.MemoryKB > s.limits.MemMB*1024 {
		return nil, &domain.SandboxViolation{
			Kind:    domain.SandboxMemory,
			Message: fmt.Sprintf("call to %q used %dKB, exceeding limit of %dMB", call.Name, usage.MemoryKB, s.limits.MemMB),
		}
	}
	if s.limits.CPUMs > 0 && usage.CPUMs > s.limits.CPUMs {
		return nil, &domain.SandboxViolation{
			Kind:    domain.SandboxMemory,
			Message: fmt.Sprintf("call to %q used %dms CPU, exceeding limit of %dms", call.Name, usage.CPUMs, s.limits.CPUMs),
		}
	}

	result := &Result{Stdout: stdout, Stderr: stderr, Output: output, ResourceUsage: usage}
	if err != nil {
		result.Status = "failed"
		result.Stderr = stderr + err.Error()
		return result, nil
	}
	result.Status = "succeeded"
	return result, nil
}

func matchesDenied(patterns []*regexp.Regexp, call domain.FunctionCall) *regexp.Regexp {
	signature := fmt.Sprintf("%s(%v)", call.Name, call.Arguments)
	for _, p := range patterns {
		if p.MatchString(signature) {
			return p
		}
	}
	return nil
}
