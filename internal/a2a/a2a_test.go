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

package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextTask_BuildsUserTextMessage(t *testing.T) {
	req := NewTextTask("hello agent")
	require.NotNil(t, req.Message)
	assert.Equal(t, sdk.MessageRoleUser, req.Message.Role)
	require.Len(t, req.Message.Parts, 1)
	tp, ok := req.Message.Parts[0].(sdk.TextPart)
	require.True(t, ok)
	assert.Equal(t, "hello agent", tp.Text)
}

func TestExecuteTask_SuccessRoundTrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := TaskResponse{
			TaskID:  req.TaskID,
			Status:  TaskStatusCompleted,
			Message: sdk.NewMessage(sdk.MessageRoleAgent, sdk.TextPart{Text: "got it"}),
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	resp, err := client.ExecuteTask(context.Background(), server.URL, NewTextTask("do the thing"))
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, resp.Status)
	assert.Equal(t, "got it", ExtractText(resp))
}

func TestExecuteTask_NonOKStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	_, err := client.ExecuteTask(context.Background(), server.URL, NewTextTask("x"))
	assert.Error(t, err)
}

func TestExtractText_NilResponseReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractText(nil))
	assert.Equal(t, "", ExtractText(&TaskResponse{}))
}
