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

// Package server is the HTTP surface SPEC_FULL.md §6 names: the request
// entrypoint, the optional direct plan endpoints, the workflow/event
// endpoints (including a WS subscription), and the approval endpoints.
// Handlers that start or re-plan work construct a RuntimeContext and call
// into stagemachine.Machine — never Planner/Executor directly, resolving
// spec §6's "any direct call first constructs a synthetic workflow and
// routes through the orchestrator". Two kinds of handler act without
// Machine: the approval endpoints settle requests through approval.Gate
// directly, and pause/resume set the workflow's Status through the
// workflow store.
//
// Routing is github.com/go-chi/chi/v5, the one router the teacher's own
// codebase uses (pkg/transport/http_metrics_middleware.go, no license
// header). Lifecycle management (listen, signal-driven shutdown, graceful
// drain) follows pkg/server/server.go's Start/Wait/Stop shape (no license
// header), narrowed from that file's gRPC+REST-gateway dual-listener to a
// single chi-routed http.Server since this module has no gRPC surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoflowhq/orchestrator/internal/approval"
	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/eventlog"
	"github.com/autoflowhq/orchestrator/internal/observability"
	"github.com/autoflowhq/orchestrator/internal/orchestrator"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
	"github.com/autoflowhq/orchestrator/internal/workflowstore"
)

// ModelSelector is the slice of registry.Registry the server needs to
// report which model answered a request entrypoint call.
type ModelSelector interface {
	SelectModel(ctx context.Context, taskClass domain.TaskClass) (domain.ModelRef, error)
}

// Deps wires the components a running Server dispatches into. Every field
// is a narrow interface or a concrete already-built component — server
// never constructs Planner/Executor/Reflector/Registry itself, it only
// drives them through Machine.
type Deps struct {
	Config       config.ServerConfig
	Version      string
	Machine      *stagemachine.Machine
	Workflows    *workflowstore.Store
	Events       *eventlog.EventLog
	Approvals    *approval.Gate
	Orchestrator *orchestrator.Store
	Prompts      rtctx.PromptResolver
	Models       ModelSelector
	Metrics      *observability.Metrics
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
}

// New builds a Server and wires its router. Call Start to begin serving.
func New(deps Deps) (*Server, error) {
	if deps.Machine == nil {
		return nil, fmt.Errorf("server: a stagemachine.Machine is required")
	}
	if deps.Workflows == nil {
		return nil, fmt.Errorf("server: a workflowstore.Store is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("server: an eventlog.EventLog is required")
	}
	if deps.Approvals == nil {
		return nil, fmt.Errorf("server: an approval.Gate is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("server: an orchestrator.Store is required")
	}
	if deps.Prompts == nil {
		return nil, fmt.Errorf("server: a prompt resolver is required")
	}

	s := &Server{deps: deps}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Post("/v1/requests", s.handleCreateRequest)

	r.Route("/v1/workflows", func(r chi.Router) {
		r.Get("/{workflowID}", s.handleGetWorkflow)
		r.Get("/{workflowID}/stream", s.handleStreamWorkflow)
	})
	r.Get("/v1/events", s.handleListEvents)

	r.Route("/v1/plans", func(r chi.Router) {
		r.Post("/", s.handleCreatePlan)
		r.Get("/{planID}", s.handleGetPlan)
		r.Post("/{planID}/approve", s.handleApprovePlan)
		r.Post("/{planID}/execute", s.handleExecutePlan)
		r.Post("/{planID}/replan", s.handleReplan)
		r.Post("/{planID}/pause", s.handlePausePlan)
		r.Post("/{planID}/resume", s.handleResumePlan)
		r.Get("/{planID}/tree", s.handlePlanTree)
		r.Get("/{planID}/execution-state", s.handleExecutionState)
	})

	r.Route("/v1/approvals", func(r chi.Router) {
		r.Get("/", s.handleListApprovals)
		r.Get("/{requestID}", s.handleGetApproval)
		r.Post("/{requestID}/approve", s.handleApproveApproval)
		r.Post("/{requestID}/reject", s.handleRejectApproval)
		r.Post("/{requestID}/modify", s.handleModifyApproval)
	})

	if s.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", s.handleHealthz)

	return r
}

// Router exposes the built chi.Router, mainly so tests can drive it
// directly via httptest without a real listener.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins serving and blocks until the process receives SIGINT or
// SIGTERM, then drains in-flight requests within the configured shutdown
// grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := s.deps.Config.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  durationOrDefault(s.deps.Config.ReadTimeoutMs, 15*time.Second),
		WriteTimeout: durationOrDefault(s.deps.Config.WriteTimeoutMs, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator http server listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-sigCh:
	}

	return s.Stop(context.Background())
}

// Stop gracefully shuts down the HTTP listener, waiting up to the
// configured shutdown grace period for in-flight requests to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	grace := durationOrDefault(s.deps.Config.ShutdownGraceMs, 10*time.Second)
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func durationOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// newWorkflowRuntimeContext builds the RuntimeContext a new workflow's
// first StageMachine.Run call uses, backed by the server's real EventLog
// and prompt resolver.
func newWorkflowRuntimeContext(ctx context.Context, events rtctx.EventSink, prompts rtctx.PromptResolver, wf *domain.Workflow) *rtctx.RuntimeContext {
	return rtctx.New(ctx, events, prompts, wf.WorkflowID, wf.SessionID, wf.TraceID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz reports liveness only: it never touches the database or
// any upstream LLM server, so a healthy response means the process is up,
// not that dependencies are reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	version := s.deps.Version
	if version == "" {
		version = "unknown"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func writeError(w http.ResponseWriter, status int, kind, reasonCode, eventID, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.ReasonCode = reasonCode
	body.Error.EventID = eventID
	body.Error.Message = message
	writeJSON(w, status, body)
}
