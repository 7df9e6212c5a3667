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

// Package config provides configuration loading for the orchestrator.
//
// The orchestrator is config-first: LLM endpoints, planner weights,
// approval deadlines, queue defaults, sandbox limits and feature flags are
// all declared in YAML and hot-reloaded via internal/config/provider.
//
// Example config:
//
//	llm:
//	  endpoints:
//	    - url: http://localhost:11434
//	      model: llama3.1
//	      capabilities: [reasoning, general_chat]
//	      max_concurrent: 4
//	      priority: 10
//
//	planner:
//	  default_alternatives: 0
//	  evaluation_weights:
//	    time: 0.3
//	    approval_points: 0.2
//	    risk: 0.3
//	    efficiency: 0.2
//
//	approval:
//	  default_deadline_hours: 24
//
//	queue:
//	  max_retries: 3
//	  base_backoff_ms: 1000
//	  max_backoff_ms: 3600000
//
//	sandbox:
//	  wall_ms: 30000
//	  mem_mb: 512
//	  cpu_ms: 10000
package config

import "fmt"

// Config is the root configuration structure.
type Config struct {
	Version  string                      `yaml:"version,omitempty"`
	Name     string                      `yaml:"name,omitempty"`
	Database map[string]*DatabaseConfig  `yaml:"databases,omitempty"`
	LLM      LLMConfig                   `yaml:"llm"`
	Planner  PlannerConfig               `yaml:"planner"`
	Approval ApprovalConfig              `yaml:"approval"`
	Queue    QueueConfig                 `yaml:"queue"`
	Sandbox  SandboxConfig               `yaml:"sandbox"`
	Features FeatureFlags                `yaml:"features"`
	Server   ServerConfig                `yaml:"server"`
}

// LLMEndpoint is one reachable LLM server (spec §6: llm.endpoints[*]).
type LLMEndpoint struct {
	URL            string   `yaml:"url"`
	Model          string   `yaml:"model"`
	Capabilities   []string `yaml:"capabilities,omitempty"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	Priority       int      `yaml:"priority"`
	Provider       string   `yaml:"provider,omitempty"` // anthropic, openai, gemini, ollama
	APIKey         string   `yaml:"api_key,omitempty"`
}

// LLMConfig configures the LLMGateway.
type LLMConfig struct {
	Endpoints []LLMEndpoint `yaml:"endpoints,omitempty"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds,omitempty"`
	HealthCheckEveryMinutes int `yaml:"health_check_every_minutes,omitempty"`
}

// PlannerConfig configures the Planner.
type PlannerConfig struct {
	DefaultAlternatives int                `yaml:"default_alternatives"`
	EvaluationWeights   map[string]float64 `yaml:"evaluation_weights,omitempty"`
}

// ApprovalConfig configures the ApprovalGate.
type ApprovalConfig struct {
	DefaultDeadlineHours int `yaml:"default_deadline_hours"`
}

// QueueConfig configures TaskQueue defaults.
type QueueConfig struct {
	MaxRetries    int   `yaml:"max_retries"`
	BaseBackoffMs int64 `yaml:"base_backoff_ms"`
	MaxBackoffMs  int64 `yaml:"max_backoff_ms"`
}

// SandboxConfig configures Sandbox resource limits.
type SandboxConfig struct {
	WallMs int64 `yaml:"wall_ms"`
	MemMB  int64 `yaml:"mem_mb"`
	CPUMs  int64 `yaml:"cpu_ms"`
}

// FeatureFlags toggles optional behavior.
type FeatureFlags struct {
	GenerateAlternatives bool `yaml:"generate_alternatives"`
	WebSearch            bool `yaml:"web_search"`
}

// ServerConfig configures internal/server's HTTP listener (spec §6:
// "External Interfaces / transport").
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	ReadTimeoutMs    int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int64  `yaml:"write_timeout_ms"`
	ShutdownGraceMs  int64  `yaml:"shutdown_grace_ms"`
}

// SetDefaults fills in the documented defaults from spec §5/§6.
func (c *Config) SetDefaults() {
	if c.Planner.EvaluationWeights == nil {
		c.Planner.EvaluationWeights = map[string]float64{
			"time": 0.3, "approval_points": 0.2, "risk": 0.3, "efficiency": 0.2,
		}
	}
	if c.Approval.DefaultDeadlineHours == 0 {
		c.Approval.DefaultDeadlineHours = 24
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseBackoffMs == 0 {
		c.Queue.BaseBackoffMs = 1000
	}
	if c.Queue.MaxBackoffMs == 0 {
		c.Queue.MaxBackoffMs = 3_600_000
	}
	if c.LLM.CacheTTLSeconds == 0 {
		c.LLM.CacheTTLSeconds = 300
	}
	if c.LLM.HealthCheckEveryMinutes == 0 {
		c.LLM.HealthCheckEveryMinutes = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 15_000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 60_000
	}
	if c.Server.ShutdownGraceMs == 0 {
		c.Server.ShutdownGraceMs = 10_000
	}
	for d := range c.Database {
		c.Database[d].SetDefaults()
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if len(c.LLM.Endpoints) == 0 {
		return fmt.Errorf("llm.endpoints: at least one endpoint is required")
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("llm.endpoints[%d]: url is required", i)
		}
		if ep.MaxConcurrent <= 0 {
			return fmt.Errorf("llm.endpoints[%d]: max_concurrent must be positive", i)
		}
	}
	for name, db := range c.Database {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}
	return nil
}

// GetDatabase returns a named database config.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Database[name]
	return db, ok
}
