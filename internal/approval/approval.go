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

// Package approval implements C7: the required-approval decision and the
// pending/approved/rejected/expired ApprovalRequest lifecycle that blocks
// Executor until a human (or the policy matrix itself) clears a plan.
// Persistence follows eventlog.go's database/sql schema idiom; the
// pause-for-decision shape is grounded on pkg/agent/tool_approval.go's
// NeedsUserInput/PendingToolCall pattern (no license header, confirmed via
// the survey), generalized from a single pending tool call to a
// plan-level gate.
package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/orchestrator/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS approval_requests (
    request_id VARCHAR(64) PRIMARY KEY,
    plan_id VARCHAR(64),
    artifact_ref VARCHAR(256),
    risk_score REAL NOT NULL,
    high_risk_steps TEXT,
    agent_trust REAL NOT NULL,
    rationale TEXT,
    recommendation TEXT,
    status VARCHAR(16) NOT NULL,
    decision_deadline TIMESTAMP NOT NULL,
    feedback TEXT,
    created_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, decision_deadline);
`

// DefaultDecisionWindow is spec §4.7's default approval deadline.
const DefaultDecisionWindow = 24 * time.Hour

// Decision is the required-approval verdict for a plan.
type Decision struct {
	Required  bool
	Rationale string
}

// Gate is the C7 component: Decide plus the ApprovalRequest lifecycle.
type Gate struct {
	db             *sql.DB
	decisionWindow time.Duration
}

// New creates a Gate backed by db, initializing its schema.
func New(db *sql.DB, decisionWindow time.Duration) (*Gate, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if decisionWindow <= 0 {
		decisionWindow = DefaultDecisionWindow
	}
	g := &Gate{db: db, decisionWindow: decisionWindow}
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize approval schema: %w", err)
	}
	return g, nil
}

// Decide applies spec §4.7's policy matrix against a plan's risk score,
// per-step risk levels, and agent trust (successes/(successes+failures),
// Laplace-smoothed by the caller before this is invoked).
func Decide(plan *domain.Plan, requestType domain.RequestType, agentTrust float64) Decision {
	hasHighRiskStep := false
	anyApprovalRequired := false
	for _, step := range plan.Steps {
		if step.RiskLevel == domain.RiskHigh {
			hasHighRiskStep = true
		}
		if step.ApprovalRequired {
			anyApprovalRequired = true
		}
	}

	switch requestType {
	case domain.RequestSimpleQuestion:
		return Decision{Required: false, Rationale: "simple questions never require approval"}
	case domain.RequestPlanningOnly:
		return Decision{Required: false, Rationale: "planning-only requests produce no executable side effects"}
	case domain.RequestInformationQuery:
		if hasHighRiskStep {
			return Decision{Required: true, Rationale: "information query contains a high-risk step"}
		}
		return Decision{Required: false, Rationale: "information query with no high-risk steps"}
	case domain.RequestCodeGeneration:
		if plan.RiskScore <= 0.3 && agentTrust >= 0.8 {
			return Decision{Required: false, Rationale: "risk_score and agent_trust both within auto-approve bounds"}
		}
		return Decision{Required: true, Rationale: fmt.Sprintf("risk_score=%.2f agent_trust=%.2f outside auto-approve bounds", plan.RiskScore, agentTrust)}
	case domain.RequestComplexTask:
		if plan.RiskScore <= 0.2 && !anyApprovalRequired {
			return Decision{Required: false, Rationale: "risk_score within bound and no step demands approval"}
		}
		return Decision{Required: true, Rationale: fmt.Sprintf("risk_score=%.2f or a step requires approval", plan.RiskScore)}
	default:
		return Decision{Required: true, Rationale: fmt.Sprintf("unrecognized request_type %q defaults to requiring approval", requestType)}
	}
}

// CreateRequest persists a new pending ApprovalRequest for a plan.
func (g *Gate) CreateRequest(ctx context.Context, planID, artifactRef string, assessment domain.RiskAssessment, recommendation string) (*domain.ApprovalRequest, error) {
	now := time.Now()
	req := &domain.ApprovalRequest{
		RequestID:        uuid.New().String(),
		PlanID:           planID,
		ArtifactRef:      artifactRef,
		RiskAssessment:   assessment,
		Recommendation:   recommendation,
		Status:           domain.ApprovalPending,
		DecisionDeadline: now.Add(g.decisionWindow),
		CreatedAt:        now,
	}

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO approval_requests
		(request_id, plan_id, artifact_ref, risk_score, high_risk_steps, agent_trust, rationale,
		 recommendation, status, decision_deadline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		req.RequestID, nullableString(req.PlanID), nullableString(req.ArtifactRef),
		assessment.RiskScore, joinSteps(assessment.HighRiskSteps), assessment.AgentTrust,
		assessment.Rationale, req.Recommendation, string(req.Status), req.DecisionDeadline, req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	return req, nil
}

// Get loads an ApprovalRequest by id, lazily expiring it in place if its
// deadline has passed while still pending.
func (g *Gate) Get(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	req, err := g.scanOne(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Expired(time.Now()) {
		if err := g.expire(ctx, requestID); err != nil {
			return nil, err
		}
		req.Status = domain.ApprovalExpired
	}
	return req, nil
}

// Approve transitions a pending request to approved, recording feedback.
func (g *Gate) Approve(ctx context.Context, requestID, feedback string) (*domain.ApprovalRequest, error) {
	return g.decide(ctx, requestID, domain.ApprovalApproved, feedback)
}

// Reject transitions a pending request to rejected, recording feedback
// (spec §4.7: plan then moves to failed with reason_code=human_reject —
// that plan-state transition is Executor's responsibility, this records
// the human decision Executor reacts to).
func (g *Gate) Reject(ctx context.Context, requestID, feedback string) (*domain.ApprovalRequest, error) {
	return g.decide(ctx, requestID, domain.ApprovalRejected, feedback)
}

// Modify transitions a pending request to modified, recording the
// feedback describing what changed.
func (g *Gate) Modify(ctx context.Context, requestID, feedback string) (*domain.ApprovalRequest, error) {
	return g.decide(ctx, requestID, domain.ApprovalModified, feedback)
}

func (g *Gate) decide(ctx context.Context, requestID string, status domain.ApprovalStatus, feedback string) (*domain.ApprovalRequest, error) {
	req, err := g.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.ApprovalPending {
		return nil, fmt.Errorf("approval request %s is %s, not pending", requestID, req.Status)
	}

	now := time.Now()
	_, err = g.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, feedback = $2, decided_at = $3 WHERE request_id = $4`,
		string(status), feedback, now, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to record approval decision: %w", err)
	}
	req.Status = status
	req.Feedback = feedback
	req.DecidedAt = &now
	return req, nil
}

func (g *Gate) expire(ctx context.Context, requestID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE approval_requests SET status = $1 WHERE request_id = $2 AND status = $3`,
		string(domain.ApprovalExpired), requestID, string(domain.ApprovalPending))
	if err != nil {
		return fmt.Errorf("failed to expire approval request: %w", err)
	}
	return nil
}

// Pending lists all currently pending requests, lazily expiring any whose
// deadline has passed.
func (g *Gate) Pending(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT request_id FROM approval_requests WHERE status = $1`, string(domain.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approval requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan approval request id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*domain.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		req, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status == domain.ApprovalPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (g *Gate) scanOne(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT request_id, plan_id, artifact_ref, risk_score, high_risk_steps, agent_trust, rationale,
		       recommendation, status, decision_deadline, feedback, created_at, decided_at
		FROM approval_requests WHERE request_id = $1`, requestID)

	var req domain.ApprovalRequest
	var planID, artifactRef, highRiskSteps, feedback sql.NullString
	var decidedAt sql.NullTime
	if err := row.Scan(&req.RequestID, &planID, &artifactRef, &req.RiskAssessment.RiskScore,
		&highRiskSteps, &req.RiskAssessment.AgentTrust, &req.RiskAssessment.Rationale,
		&req.Recommendation, &req.Status, &req.DecisionDeadline, &feedback, &req.CreatedAt, &decidedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("approval request %s not found", requestID)
		}
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}
	req.PlanID = planID.String
	req.ArtifactRef = artifactRef.String
	req.Feedback = feedback.String
	req.RiskAssessment.HighRiskSteps = splitSteps(highRiskSteps.String)
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return &req, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinSteps(steps []string) string {
	out := ""
	for i, s := range steps {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func splitSteps(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
