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

package eventlog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

func newTestLog(t *testing.T) *EventLog {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(db, "sqlite")
	require.NoError(t, err)
	return l
}

func TestAppend_RejectsUnstampedDecisionSource(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(context.Background(), &domain.ExecutionEvent{
		WorkflowID: "wf-1",
		Stage:      domain.StageInterpretation,
	})
	require.Error(t, err)
}

func TestAppend_RejectsNonCanonicalStage(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(context.Background(), &domain.ExecutionEvent{
		WorkflowID:     "wf-1",
		Stage:          domain.Stage("not_a_stage"),
		DecisionSource: domain.DecisionComponent,
	})
	require.Error(t, err)
}

func TestAppendAndByWorkflow_TotalOrder(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	rootID, err := l.Append(ctx, &domain.ExecutionEvent{
		WorkflowID: "wf-1", Stage: domain.StageInterpretation,
		DecisionSource: domain.DecisionComponent, Status: "ok",
	})
	require.NoError(t, err)

	childID, err := l.Append(ctx, &domain.ExecutionEvent{
		WorkflowID: "wf-1", Stage: domain.StageValidatorA,
		DecisionSource: domain.DecisionComponent, Status: "ok", ParentEventID: rootID,
	})
	require.NoError(t, err)

	events, err := l.ByWorkflow(ctx, "wf-1", nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, rootID, events[0].EventID)
	require.Equal(t, childID, events[1].EventID)
	require.True(t, events[0].Timestamp.Before(events[1].Timestamp) || events[0].Timestamp.Equal(events[1].Timestamp))

	children, err := l.Children(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, childID, children[0].EventID)
}

func TestAppend_RejectsParentFromDifferentWorkflow(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	rootID, err := l.Append(ctx, &domain.ExecutionEvent{
		WorkflowID: "wf-1", Stage: domain.StageInterpretation,
		DecisionSource: domain.DecisionComponent, Status: "ok",
	})
	require.NoError(t, err)

	_, err = l.Append(ctx, &domain.ExecutionEvent{
		WorkflowID: "wf-2", Stage: domain.StageValidatorA,
		DecisionSource: domain.DecisionComponent, Status: "ok", ParentEventID: rootID,
	})
	require.Error(t, err)
}

func TestStream_DropsLaggingSubscriberWithoutBlockingProducer(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	ch := l.Stream("wf-1")

	// Fill the buffer past capacity without draining; Append must never
	// block on a slow subscriber.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			_, _ = l.Append(ctx, &domain.ExecutionEvent{
				WorkflowID: "wf-1", Stage: domain.StageExecution,
				DecisionSource: domain.DecisionComponent, Status: "ok",
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Append blocked on a lagging subscriber")
	}

	// The channel should have been closed once the subscriber fell behind.
	_, stillOpen := <-ch
	for stillOpen {
		_, stillOpen = <-ch
	}
}
