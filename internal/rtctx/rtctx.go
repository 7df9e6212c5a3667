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

// Package rtctx defines RuntimeContext, the explicit value every component
// operation takes as its first argument in place of global/singleton state
// (Design Notes: "Global state ... replace with an explicit RuntimeContext
// carried as the first argument of every component operation; the context
// holds event log, registry, clock, random source, and cancellation").
//
// RuntimeContext only depends on narrow structural interfaces so that
// internal/eventlog and internal/registry can satisfy them without rtctx
// importing either package back.
package rtctx

import (
	"context"
	"math/rand"
	"time"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

// EventSink is the subset of EventLog.append a component needs to record
// its own decisions.
type EventSink interface {
	Append(ctx context.Context, event *domain.ExecutionEvent) (string, error)
}

// PromptResolver is the subset of Registry a component needs to resolve
// prompt assignments.
type PromptResolver interface {
	ResolvePrompt(ctx context.Context, stage domain.Stage, role domain.ComponentRole, scopeHints map[string]string) (promptID string, version int, body string, err error)
}

// Clock abstracts wall-clock time so tests can control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// RuntimeContext is threaded through every component operation. It embeds
// a context.Context for cancellation/deadline propagation and carries the
// shared, injectable collaborators named in Design Notes.
type RuntimeContext struct {
	context.Context

	Events   EventSink
	Prompts  PromptResolver
	Clock    Clock
	Rand     *rand.Rand
	TraceID  string
	WorkflowID string
	SessionID  string
}

// New builds a root RuntimeContext for a fresh workflow.
func New(ctx context.Context, events EventSink, prompts PromptResolver, workflowID, sessionID, traceID string) *RuntimeContext {
	return &RuntimeContext{
		Context:    ctx,
		Events:     events,
		Prompts:    prompts,
		Clock:      SystemClock{},
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		TraceID:    traceID,
		WorkflowID: workflowID,
		SessionID:  sessionID,
	}
}

// WithContext returns a shallow copy of rc carrying a derived
// context.Context (e.g. one bound to a step's timeout_ms deadline).
func (rc *RuntimeContext) WithContext(ctx context.Context) *RuntimeContext {
	cp := *rc
	cp.Context = ctx
	return &cp
}

// Emit is a convenience wrapper that stamps DecisionSource and timestamps
// before appending, matching the "decision_source MUST be stamped"
// contract in spec §4.1.
func (rc *RuntimeContext) Emit(stage domain.Stage, role domain.ComponentRole, componentName string, source domain.DecisionSource, status, inputSummary, outputSummary, reasonCode, parentEventID string, metadata map[string]any) (string, error) {
	ev := &domain.ExecutionEvent{
		Timestamp:      rc.Clock.Now(),
		WorkflowID:     rc.WorkflowID,
		SessionID:      rc.SessionID,
		Stage:          stage,
		ComponentRole:  role,
		ComponentName:  componentName,
		DecisionSource: source,
		Status:         status,
		InputSummary:   domain.Truncate(inputSummary),
		OutputSummary:  domain.Truncate(outputSummary),
		ReasonCode:     reasonCode,
		ParentEventID:  parentEventID,
		EventMetadata:  metadata,
	}
	return rc.Events.Append(rc.Context, ev)
}
