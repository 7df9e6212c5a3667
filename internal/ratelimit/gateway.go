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
	"fmt"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// GatedGateway wraps *llmgateway.Gateway (or anything shaped like it —
// the narrow interface planner/executor already depend on) with a
// per-session Limiter check ahead of every call, giving LLMGateway the
// tenant-facing quota spec.md's "per-endpoint concurrency cap" implies
// but never names explicitly.
type GatedGateway struct {
	inner   Generator
	limiter *Limiter
}

// Generator is the narrow slice of *llmgateway.Gateway GatedGateway wraps.
type Generator interface {
	Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error)
}

// NewGatedGateway builds a GatedGateway around inner, enforcing limiter's
// rules keyed by each call's rtctx.RuntimeContext.SessionID.
func NewGatedGateway(inner Generator, limiter *Limiter) *GatedGateway {
	return &GatedGateway{inner: inner, limiter: limiter}
}

// Generate enforces the session's rate limit before delegating to inner.
func (g *GatedGateway) Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req llmgateway.ProviderRequest, opts llmgateway.GenerateOptions) (*llmgateway.ProviderResult, error) {
	result, err := g.limiter.Allow(rc.Context, rc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	if !result.Allowed {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrResource), Message: result.Reason}
	}
	return g.inner.Generate(rc, ref, req, opts)
}
