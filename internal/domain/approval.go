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

package domain

import "time"

// ApprovalStatus is the lifecycle status of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalModified ApprovalStatus = "modified"
	ApprovalExpired  ApprovalStatus = "expired"
)

// RiskAssessment summarizes why a plan was (or was not) flagged for
// approval.
type RiskAssessment struct {
	RiskScore      float64  `json:"risk_score"`
	HighRiskSteps  []string `json:"high_risk_steps,omitempty"`
	AgentTrust     float64  `json:"agent_trust"`
	Rationale      string   `json:"rationale"`
}

// ApprovalRequest is a pending, approved, rejected or expired human
// decision gate on a Plan.
type ApprovalRequest struct {
	RequestID        string         `json:"request_id"`
	PlanID           string         `json:"plan_id,omitempty"`
	ArtifactRef      string         `json:"artifact_ref,omitempty"`
	RiskAssessment   RiskAssessment `json:"risk_assessment"`
	Recommendation   string         `json:"recommendation"`
	Status           ApprovalStatus `json:"status"`
	DecisionDeadline time.Time      `json:"decision_deadline"`
	Feedback         string         `json:"feedback,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
}

// Expired reports whether the request has passed its decision deadline
// without a terminal decision.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return a.Status == ApprovalPending && now.After(a.DecisionDeadline)
}
