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

// planMetrics are the four raw criteria spec §4.8.6 weighs per plan,
// before cross-sibling normalization.
type planMetrics struct {
	expectedMs     int64
	approvalPoints int
	risk           float64
	efficiency     float64
}

func metricsFor(plan *domain.Plan) planMetrics {
	var expectedMs int64
	var approvalPoints int
	var knownExecutor int
	for _, s := range plan.Steps {
		expectedMs += s.TimeoutMs
		if s.ApprovalRequired {
			approvalPoints++
		}
		if s.ExecutorRef.Kind == domain.ExecutorTool || s.ExecutorRef.Kind == domain.ExecutorAgent {
			knownExecutor++
		}
	}
	efficiency := 1.0
	if len(plan.Steps) > 0 {
		efficiency = float64(knownExecutor) / float64(len(plan.Steps))
	}
	return planMetrics{expectedMs: expectedMs, approvalPoints: approvalPoints, risk: plan.RiskScore, efficiency: efficiency}
}

// selectWinner scores every sibling plan against spec §4.8.6's weights
// (time:0.3, approval_points:0.2, risk:0.3, efficiency:0.2; lower wins
// for time/approval_points/risk, higher wins for efficiency) and returns
// the highest-scoring plan. time and approval_points are min-max
// normalized across the sibling set since they have no natural [0,1]
// scale; risk and efficiency are already bounded [0,1].
func selectWinner(plans []*domain.Plan) *domain.Plan {
	if len(plans) == 1 {
		return plans[0]
	}

	metrics := make([]planMetrics, len(plans))
	minMs, maxMs := int64(-1), int64(-1)
	minPts, maxPts := -1, -1
	for i, p := range plans {
		m := metricsFor(p)
		metrics[i] = m
		if minMs == -1 || m.expectedMs < minMs {
			minMs = m.expectedMs
		}
		if m.expectedMs > maxMs {
			maxMs = m.expectedMs
		}
		if minPts == -1 || m.approvalPoints < minPts {
			minPts = m.approvalPoints
		}
		if m.approvalPoints > maxPts {
			maxPts = m.approvalPoints
		}
	}

	var best *domain.Plan
	bestScore := -1.0
	for i, p := range plans {
		m := metrics[i]
		normTime := normalize(m.expectedMs, minMs, maxMs)
		normApproval := normalize(int64(m.approvalPoints), int64(minPts), int64(maxPts))

		score := (1-normTime)*0.3 + (1-normApproval)*0.2 + (1-m.risk)*0.3 + m.efficiency*0.2
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

func normalize(v, min, max int64) float64 {
	if max == min {
		return 0
	}
	return float64(v-min) / float64(max-min)
}
