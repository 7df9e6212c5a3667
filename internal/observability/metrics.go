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

// Package observability provides SPEC_FULL.md §6's "metrics & health"
// ambient concern: Prometheus gauges/counters/histograms for queue depth,
// lease counts, LLM latency, event-append volume, and HTTP request
// volume/latency, plus OpenTelemetry tracing of the stage pipeline. The
// metric-family grouping (by subsystem: queue, LLM, events, approvals,
// HTTP) is grounded on pkg/observability/metrics.go's Metrics struct
// (AGPL-headed, studied not copied) narrowed to this module's five
// subsystems instead of the teacher's agent/tool/memory/session/RAG
// breadth, since those other subsystems have no equivalent here. The
// HTTP family itself mirrors pkg/transport/http_metrics_middleware.go's
// RecordHTTPRequest call shape (route, method, status, duration), this
// one file's no-license-header status confirmed separately from the rest
// of pkg/transport.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the orchestratord-wide Prometheus metric set.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth   *prometheus.GaugeVec
	LeaseCount   *prometheus.GaugeVec
	LLMCalls     *prometheus.CounterVec
	LLMLatency   *prometheus.HistogramVec
	LLMErrors    *prometheus.CounterVec
	EventsAppended *prometheus.CounterVec
	ApprovalRequests *prometheus.CounterVec
	StageTransitions *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// New creates a Metrics instance registered against a fresh Prometheus
// registry. Pass the returned *prometheus.Registry to promhttp.Handler
// when wiring internal/server's /metrics endpoint.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current number of tasks in the task queue, by status.",
		}, []string{"status"}),
		LeaseCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_lease_count",
			Help: "Current number of active task leases.",
		}, []string{"task_type"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_calls_total",
			Help: "Total LLM generate() calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_llm_latency_seconds",
			Help:    "LLM generate() call latency in seconds, by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		LLMErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_errors_total",
			Help: "Total LLM generate() call failures, by provider and error kind.",
		}, []string{"provider", "kind"}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_appended_total",
			Help: "Total execution events appended, by stage.",
		}, []string{"stage"}),
		ApprovalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_approval_requests_total",
			Help: "Total approval requests created, by status.",
		}, []string{"status"}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_stage_transitions_total",
			Help: "Total stage machine transitions, by from/to stage.",
		}, []string{"from", "to"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Total HTTP requests served, by route pattern and status class.",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	registry.MustRegister(
		m.QueueDepth, m.LeaseCount, m.LLMCalls, m.LLMLatency, m.LLMErrors,
		m.EventsAppended, m.ApprovalRequests, m.StageTransitions,
		m.HTTPRequests, m.HTTPLatency,
	)
	return m
}

// Registry returns the underlying Prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLLMCall records one generate() call's outcome and latency.
func (m *Metrics) ObserveLLMCall(provider string, outcome string, elapsed time.Duration) {
	m.LLMCalls.WithLabelValues(provider, outcome).Inc()
	m.LLMLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveLLMError records a failed generate() call by error kind.
func (m *Metrics) ObserveLLMError(provider, kind string) {
	m.LLMErrors.WithLabelValues(provider, kind).Inc()
}

// ObserveEventAppended records one ExecutionEvent append by stage.
func (m *Metrics) ObserveEventAppended(stage string) {
	m.EventsAppended.WithLabelValues(stage).Inc()
}

// ObserveApprovalRequest records one ApprovalRequest creation by status.
func (m *Metrics) ObserveApprovalRequest(status string) {
	m.ApprovalRequests.WithLabelValues(status).Inc()
}

// ObserveStageTransition records one StageMachine transition.
func (m *Metrics) ObserveStageTransition(from, to string) {
	m.StageTransitions.WithLabelValues(from, to).Inc()
}

// SetQueueDepth reports the current queue depth for status.
func (m *Metrics) SetQueueDepth(status string, depth float64) {
	m.QueueDepth.WithLabelValues(status).Set(depth)
}

// SetLeaseCount reports the current active lease count for taskType.
func (m *Metrics) SetLeaseCount(taskType string, count float64) {
	m.LeaseCount.WithLabelValues(taskType).Set(count)
}

// ObserveHTTPRequest records one served HTTP request by chi route
// pattern, method, and status code.
func (m *Metrics) ObserveHTTPRequest(route, method, status string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, status).Inc()
	m.HTTPLatency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
