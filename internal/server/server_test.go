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

package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/approval"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/eventlog"
	"github.com/autoflowhq/orchestrator/internal/orchestrator"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
	"github.com/autoflowhq/orchestrator/internal/workflowstore"
)

// fakePrompts resolves any request to a fixed, unversioned prompt body so
// tests never need a real registry.Registry.
type fakePrompts struct{}

func (fakePrompts) ResolvePrompt(ctx context.Context, stage domain.Stage, role domain.ComponentRole, scopeHints map[string]string) (string, int, string, error) {
	return "prompt-test", 1, "respond helpfully", nil
}

// oneShotHandler answers whichever stage it runs for by stamping a
// deterministic FinalResponse onto the shared orchestrator.Store entry and
// marking the workflow completed and done, so Run stops at the first stage —
// standing in for the full interpretation -> ... -> execution pipeline so
// these tests exercise the HTTP surface, not the orchestration internals
// already covered by internal/orchestrator's own tests.
type oneShotHandler struct {
	store    *orchestrator.Store
	response string
}

func (h oneShotHandler) Run(rc *rtctx.RuntimeContext, wf *domain.Workflow) (stagemachine.Decision, error) {
	state := h.store.Get(wf.WorkflowID)
	state.FinalResponse = h.response
	_ = wf.SetStatus(domain.WorkflowCompleted)
	return stagemachine.Decision{Done: true}, nil
}

func newTestServer(t *testing.T) (*Server, *orchestrator.Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	workflows, err := workflowstore.New(db, "sqlite")
	require.NoError(t, err)
	events, err := eventlog.New(db, "sqlite")
	require.NoError(t, err)
	approvals, err := approval.New(db, 24*time.Hour)
	require.NoError(t, err)

	store := orchestrator.NewStore()
	machine := stagemachine.New()
	handler := oneShotHandler{store: store, response: "hello from the orchestrator"}
	for _, stage := range []domain.Stage{
		domain.StageInterpretation,
		domain.StageValidatorA,
		domain.StageRouting,
		domain.StagePlanning,
		domain.StageValidatorB,
		domain.StageExecution,
		domain.StageReflection,
		domain.StageRegistryUpdate,
	} {
		machine.Register(stage, handler)
	}

	srv, err := New(Deps{
		Machine:      machine,
		Workflows:    workflows,
		Events:       events,
		Approvals:    approvals,
		Orchestrator: store,
		Prompts:      fakePrompts{},
	})
	require.NoError(t, err)
	return srv, store
}

func TestHandleCreateRequest_SynchronousResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(requestEntrypointBody{Message: "what is the weather"})
	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp requestEntrypointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello from the orchestrator", resp.Response)
	require.NotEmpty(t, resp.WorkflowID)
}

func TestHandleCreateRequest_RejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(requestEntrypointBody{Message: ""})
	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleCreateRequest_RejectsModelWithoutServerID(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(requestEntrypointBody{Message: "hi", Model: "gpt-test"})
	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleGetWorkflow_RoundTripsAfterCreateRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(requestEntrypointBody{Message: "hi"})
	createReq := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var resp requestEntrypointResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &resp))

	getReq := httptest.NewRequest("GET", "/v1/workflows/"+resp.WorkflowID, nil)
	getRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(getRec, getReq)

	require.Equal(t, 200, getRec.Code)
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &wf))
	require.Equal(t, resp.WorkflowID, wf.WorkflowID)
	require.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestHandleGetWorkflow_UnknownIDIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/workflows/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestHandleListEvents_RequiresWorkflowID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/events", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleListApprovals_EmptyByDefault(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/approvals", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	require.Empty(t, decoded["approvals"])
}

func TestHandleGetPlan_UnknownPlanIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/plans/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestHandleHealthz_ReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	require.Equal(t, "ok", decoded["status"])
}
