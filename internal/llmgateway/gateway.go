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

// Package llmgateway implements C3: the single generate() entry point
// fronting every configured LLM endpoint. Grounded on pkg/llms/* and
// pkg/model/*'s provider implementations for the wire formats, and on
// pkg/rag/store.go's buffered-channel semaphore for the per-endpoint
// concurrency cap.
package llmgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/registry"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// endpoint wraps one configured LLMEndpoint with its concurrency cap and
// last-known health.
type endpoint struct {
	modelID  string
	serverID string
	provider Provider

	sem chan struct{}

	mu      sync.Mutex
	healthy bool
}

// Gateway is the C3 component.
type Gateway struct {
	registry *registry.Registry
	cache    *responseCache

	mu        sync.RWMutex
	endpoints map[string]*endpoint // keyed by model_id

	healthCheckEvery time.Duration
	encoder          *tiktoken.Tiktoken
}

// New builds a Gateway from configured LLM endpoints, registering each as
// a Model in the given Registry (so select_model can see it).
func New(ctx context.Context, reg *registry.Registry, cfg config.LLMConfig) (*Gateway, error) {
	g := &Gateway{
		registry:         reg,
		cache:            newResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second),
		endpoints:        make(map[string]*endpoint),
		healthCheckEvery: time.Duration(cfg.HealthCheckEveryMinutes) * time.Minute,
	}

	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		g.encoder = enc
	} else {
		slog.Warn("token encoder unavailable, falling back to provider-reported usage only", "error", err)
	}

	for _, ep := range cfg.Endpoints {
		modelID := ep.Model + "@" + ep.URL
		provider, err := buildProvider(ctx, ep)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider for %s: %w", modelID, err)
		}

		family := domain.ModelFamilyReasoning
		for _, c := range ep.Capabilities {
			if c == "code_generation" || c == "code_analysis" || c == "coding" {
				family = domain.ModelFamilyCoding
			}
		}

		if err := reg.RegisterModel(ctx, &domain.Model{
			ModelID: modelID, Name: ep.Model, Family: family, ServerID: ep.URL,
			Status: domain.EntityActive, Priority: ep.Priority, Healthy: true, LastHealthy: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("failed to register model %s: %w", modelID, err)
		}

		maxConcurrent := ep.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		g.endpoints[modelID] = &endpoint{
			modelID: modelID, serverID: ep.URL, provider: provider,
			sem: make(chan struct{}, maxConcurrent), healthy: true,
		}
	}

	return g, nil
}

func buildProvider(ctx context.Context, ep config.LLMEndpoint) (Provider, error) {
	switch ep.Provider {
	case "anthropic":
		return newAnthropicProvider(ep.URL, ep.APIKey), nil
	case "gemini":
		return newGeminiProvider(ctx, ep.APIKey)
	case "openai", "ollama", "":
		return newOpenAICompatProvider(ep.URL, ep.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", ep.Provider)
	}
}

// GenerateOptions controls generate()'s caching and token budget behavior.
type GenerateOptions struct {
	NoCache   bool
	MaxTokens int
}

// Generate implements the public contract generate(model_ref, system,
// user, history, options). It returns the provider's text, optional
// reasoning and prompt/completion token counts; latency_ms and server_id
// are reported only in the emitted events' metadata. Emits the
// model_request/model_response event pair.
func (g *Gateway) Generate(rc *rtctx.RuntimeContext, ref domain.ModelRef, req ProviderRequest, opts GenerateOptions) (*ProviderResult, error) {
	g.mu.RLock()
	ep, ok := g.endpoints[ref.ModelID]
	g.mu.RUnlock()
	if !ok {
		return nil, domain.NewLLMUnavailableError(ref.ModelID)
	}

	ep.mu.Lock()
	healthy := ep.healthy
	ep.mu.Unlock()
	if !healthy {
		return nil, domain.NewLLMUnavailableError(ref.ModelID)
	}

	req.Model = strippedModelName(ref.ModelID)
	key := fingerprint(ref, req)
	if !opts.NoCache {
		if cached, found := g.cache.get(key); found {
			return cached, nil
		}
	}

	requestEventID, _ := rc.Emit(domain.StageExecution, domain.RoleExecution, "llm_gateway", domain.DecisionComponent,
		"started", fmt.Sprintf("model=%s class=%s", ref.ModelID, req.Model), "", "", "", nil)

	// Acquire the endpoint's concurrency slot; excess calls queue FIFO on
	// this buffered channel send (spec §4.3).
	select {
	case ep.sem <- struct{}{}:
	case <-rc.Done():
		return nil, rc.Err()
	}
	defer func() { <-ep.sem }()

	start := rc.Clock.Now()
	result, err := ep.provider.Generate(rc, req)
	latencyMs := rc.Clock.Now().Sub(start).Milliseconds()

	if err != nil {
		g.markUnhealthy(rc, ep)
		_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "llm_gateway", domain.DecisionComponent,
			"failed", "", err.Error(), "provider_error", requestEventID, nil)
		return nil, fmt.Errorf("generate failed for model %s: %w", ref.ModelID, err)
	}

	if result.PromptTokens == 0 && result.CompletionTokens == 0 && g.encoder != nil {
		result.PromptTokens = len(g.encoder.Encode(req.System+req.User, nil, nil))
		result.CompletionTokens = len(g.encoder.Encode(result.Text, nil, nil))
	}

	if !opts.NoCache {
		g.cache.put(key, result)
	}

	_, _ = rc.Emit(domain.StageExecution, domain.RoleExecution, "llm_gateway", domain.DecisionComponent,
		"succeeded", "", result.Text, "", requestEventID, map[string]any{
			"server_id":         ep.serverID,
			"prompt_tokens":     result.PromptTokens,
			"completion_tokens": result.CompletionTokens,
			"latency_ms":        latencyMs,
		})
	return result, nil
}

func (g *Gateway) markUnhealthy(ctx context.Context, ep *endpoint) {
	ep.mu.Lock()
	ep.healthy = false
	ep.mu.Unlock()
	if err := g.registry.SetModelHealth(ctx, ep.modelID, false); err != nil {
		slog.Warn("failed to record model unhealthy", "model_id", ep.modelID, "error", err)
	}
}

// RunHealthChecks blocks, probing every endpoint at the configured
// interval until ctx is cancelled (spec §4.3: "before first use and every
// N minutes").
func (g *Gateway) RunHealthChecks(ctx context.Context) {
	if g.healthCheckEvery <= 0 {
		return
	}
	ticker := time.NewTicker(g.healthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkAll(ctx)
		}
	}
}

func (g *Gateway) checkAll(ctx context.Context) {
	g.mu.RLock()
	endpoints := make([]*endpoint, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		endpoints = append(endpoints, ep)
	}
	g.mu.RUnlock()

	for _, ep := range endpoints {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ep.provider.Generate(checkCtx, ProviderRequest{Model: strippedModelName(ep.modelID), User: "ping"})
		cancel()

		ep.mu.Lock()
		ep.healthy = err == nil
		ep.mu.Unlock()

		if err := g.registry.SetModelHealth(ctx, ep.modelID, err == nil); err != nil {
			slog.Warn("failed to record model health", "model_id", ep.modelID, "error", err)
		}
	}
}

func strippedModelName(modelID string) string {
	for i := 0; i < len(modelID); i++ {
		if modelID[i] == '@' {
			return modelID[:i]
		}
	}
	return modelID
}
