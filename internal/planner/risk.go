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

package planner

import "github.com/autoflowhq/orchestrator/internal/domain"

// riskScore implements spec §4.8.4's risk heuristic exactly:
//
//	risk_score = clamp(0.2*frac_high_risk_steps + 0.2*frac_requires_approval +
//	                    0.3*(1-known_tool_ratio) + 0.3*novelty_score, 0, 1)
func riskScore(steps []*domain.Step, knownToolRatio, novelty float64) float64 {
	if len(steps) == 0 {
		return clamp(novelty * 0.3)
	}
	var highRisk, requiresApproval int
	for _, s := range steps {
		if s.RiskLevel == domain.RiskHigh {
			highRisk++
		}
		if s.ApprovalRequired {
			requiresApproval++
		}
	}
	fracHighRisk := float64(highRisk) / float64(len(steps))
	fracApproval := float64(requiresApproval) / float64(len(steps))

	score := 0.2*fracHighRisk + 0.2*fracApproval + 0.3*(1-knownToolRatio) + 0.3*novelty
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// knownToolRatio is the fraction of tool-executor steps naming a tool
// already present in knownTools. Non-tool steps are excluded from the
// denominator; with an empty knownTools set every tool step counts as
// unknown. A plan with no tool steps at all is treated as fully known
// (ratio 1).
func knownToolRatio(steps []*domain.Step, knownTools map[string]bool) float64 {
	var toolSteps, known int
	for _, s := range steps {
		if s.ExecutorRef.Kind != domain.ExecutorTool {
			continue
		}
		toolSteps++
		if knownTools[s.ExecutorRef.Name] {
			known++
		}
	}
	if toolSteps == 0 {
		return 1
	}
	return float64(known) / float64(toolSteps)
}
