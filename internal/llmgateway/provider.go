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

package llmgateway

import "context"

// ProviderRequest is a provider-agnostic chat completion request.
type ProviderRequest struct {
	Model       string
	System      string
	User        string
	History     []HistoryMessage
	Temperature float64
	MaxTokens   int
}

// HistoryMessage is one prior turn in a conversation.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// ProviderResult is a provider-agnostic chat completion result.
type ProviderResult struct {
	Text             string
	Reasoning        string
	PromptTokens     int
	CompletionTokens int
}

// Provider is implemented by each concrete LLM backend. Modeled after
// pkg/model.LLM's single-call contract, narrowed to the non-streaming,
// text-in/text-out shape the gateway's generate() operation needs.
type Provider interface {
	Generate(ctx context.Context, req ProviderRequest) (*ProviderResult, error)
}
