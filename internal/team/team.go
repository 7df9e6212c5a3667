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

// Package team implements executor.TeamCoordinator against internal/a2a:
// a step whose executor_ref.kind is "team" fans its inputs out to every
// member agent of the named team concurrently and aggregates their
// replies. The fan-out-then-aggregate shape is grounded on
// team/team.go's AgentRegistry-driven multi-agent coordination (no
// license header, confirmed via the survey), narrowed from that file's
// full DAG/autonomous workflow engine down to the one thing Executor's
// team_ref path needs: invoke every member once per step and return
// their combined output.
package team

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autoflowhq/orchestrator/internal/a2a"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// Member is one team's A2A-addressable agent.
type Member struct {
	Name     string
	Endpoint string
}

// Directory resolves a team name to its member agents. *StaticDirectory
// (config-loaded) is the only implementation; a registry-backed one
// could replace it without changing Coordinator.
type Directory interface {
	Members(teamName string) ([]Member, bool)
}

// StaticDirectory is a Directory backed by a fixed, config-loaded map.
type StaticDirectory map[string][]Member

// Members implements Directory.
func (d StaticDirectory) Members(teamName string) ([]Member, bool) {
	members, ok := d[teamName]
	return members, ok
}

// Coordinator implements executor.TeamCoordinator.
type Coordinator struct {
	client    *a2a.Client
	directory Directory
}

// New builds a Coordinator.
func New(client *a2a.Client, directory Directory) *Coordinator {
	return &Coordinator{client: client, directory: directory}
}

// InvokeTeam sends step's inputs to every member of teamName concurrently
// and aggregates their text replies keyed by member name. A single
// member's failure fails the whole step — spec §4.9 treats team_ref steps
// like any other executor dispatch, with no partial-success path of
// its own.
func (c *Coordinator) InvokeTeam(rc *rtctx.RuntimeContext, teamName string, step *domain.Step) (map[string]any, error) {
	members, ok := c.directory.Members(teamName)
	if !ok || len(members) == 0 {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrStructure), Message: fmt.Sprintf("team %q has no registered members", teamName)}
	}

	prompt := describeStepInputs(step)
	results := make([]string, len(members))

	g, ctx := errgroup.WithContext(rc.Context)
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			req := a2a.NewTextTask(prompt)
			resp, err := c.client.ExecuteTask(ctx, member.Endpoint, req)
			if err != nil {
				return fmt.Errorf("team %q member %q: %w", teamName, member.Name, err)
			}
			if resp.Status != a2a.TaskStatusCompleted {
				return fmt.Errorf("team %q member %q failed: %s", teamName, member.Name, resp.Error)
			}
			results[i] = a2a.ExtractText(resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &domain.ExecutionError{Kind: string(domain.ExecErrAgent), Message: err.Error()}
	}

	outputs := make(map[string]any, len(members)+1)
	perMember := make(map[string]string, len(members))
	for i, member := range members {
		perMember[member.Name] = results[i]
	}
	outputs["members"] = perMember
	outputs["member_count"] = len(members)
	return outputs, nil
}

func describeStepInputs(step *domain.Step) string {
	if subject, ok := step.Inputs["subject"].(string); ok && subject != "" {
		return subject
	}
	return fmt.Sprintf("execute step %s", step.StepID)
}
