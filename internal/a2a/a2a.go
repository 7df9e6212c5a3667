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

// Package a2a gives Executor's team_ref path a real inter-agent
// message-passing contract (SPEC_FULL.md §10: "A2A team coordination"),
// instead of a stub. The protocol envelope (AgentCard/TaskRequest/
// TaskResponse/TaskStatus) is narrowed from the root a2a package's
// hand-rolled A2A-protocol types (a2a/types.go, a2a/client.go,
// a2a/agent_interface.go — no license header, confirmed via the survey)
// down to the one shape this module needs: calling a single task
// endpoint and getting a structured result back. The task's actual
// message payload uses github.com/a2aproject/a2a-go's wire types
// (a2a.Message/a2a.TextPart/a2a.MessageRoleUser) rather than a bespoke
// string, since that's the teacher's own dependency for A2A message
// construction (v2/server/parts.go, v2/rag/reranker.go) and the pack
// never shows a client built on the hand-rolled root package sending a
// raw string either.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// AgentCard is an agent's discovery/capability record.
type AgentCard struct {
	AgentID      string   `json:"agentId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	TaskEndpoint string   `json:"taskEndpoint"`
}

// TaskStatus is a TaskResponse's outcome.
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskRequest is a request to execute one task against a remote agent.
type TaskRequest struct {
	TaskID  string       `json:"taskId"`
	Message *sdk.Message `json:"message"`
}

// TaskResponse is the remote agent's reply.
type TaskResponse struct {
	TaskID    string       `json:"taskId"`
	Status    TaskStatus   `json:"status"`
	Message   *sdk.Message `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Timeout time.Duration
	Token   string // bearer token, if the remote agent requires auth
}

// Client calls out to external A2A-compliant agents over HTTP.
type Client struct {
	httpClient *http.Client
	token      string
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: cfg.Timeout}, token: cfg.Token}
}

// NewTextTask builds a TaskRequest carrying a single user-role text part,
// the shape every agent invocation in this module needs.
func NewTextTask(text string) *TaskRequest {
	return &TaskRequest{
		TaskID:  uuid.NewString(),
		Message: sdk.NewMessage(sdk.MessageRoleUser, sdk.TextPart{Text: text}),
	}
}

// ExecuteTask POSTs req to endpoint and decodes the agent's TaskResponse.
func (c *Client) ExecuteTask(ctx context.Context, endpoint string, req *TaskRequest) (*TaskResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: failed to encode task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("a2a: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("a2a: task request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("a2a: failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("a2a: agent at %s returned status %d: %s", endpoint, resp.StatusCode, string(data))
	}

	var taskResp TaskResponse
	if err := json.Unmarshal(data, &taskResp); err != nil {
		return nil, fmt.Errorf("a2a: failed to decode task response: %w", err)
	}
	return &taskResp, nil
}

// ExtractText pulls the first text part out of a TaskResponse's message,
// the common case for a tool/decision-shaped outputs map.
func ExtractText(resp *TaskResponse) string {
	if resp == nil || resp.Message == nil {
		return ""
	}
	for _, part := range resp.Message.Parts {
		if tp, ok := part.(sdk.TextPart); ok {
			return tp.Text
		}
		if tp, ok := part.(*sdk.TextPart); ok {
			return tp.Text
		}
	}
	return ""
}
