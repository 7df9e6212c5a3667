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

package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/rtctx"
)

// validationOutcome is a validation step's result shape (spec §4.9.2:
// "produce pass|fail|partial plus a quality score").
type validationOutcome struct {
	Outcome      string  `json:"outcome"`
	QualityScore float64 `json:"quality_score"`
	Detail       string  `json:"detail"`
}

// runValidation checks the validation step's declared Inputs checks
// (must_contain / must_not_contain / min_length / max_length) against
// the text in its "subject" input, adding a semantic LLM check when a
// "semantic_check" input is true and the structural outcome is not
// "fail". A step that declares neither passes with score 1.0.
func (e *Executor) runValidation(rc *rtctx.RuntimeContext, step *domain.Step) (map[string]any, error) {
	subject, _ := step.Inputs["subject"].(string)

	outcome, score, detail := runStructuralChecks(step.Inputs, subject)

	if needsSemanticCheck(step.Inputs) && outcome != "fail" {
		semOutcome, semScore, semDetail, err := e.runSemanticCheck(rc, step, subject)
		if err != nil {
			return nil, &domain.ExecutionError{Kind: string(domain.ExecErrValidation), Message: err.Error()}
		}
		outcome, score, detail = combineOutcomes(outcome, score, detail, semOutcome, semScore, semDetail)
	}

	if outcome == "" {
		outcome = "pass"
		score = 1.0
	}

	result := map[string]any{"outcome": outcome, "quality_score": score, "detail": detail}
	if outcome == "fail" {
		return result, &domain.ExecutionError{Kind: string(domain.ExecErrValidation), Message: detail}
	}
	return result, nil
}

func runStructuralChecks(inputs map[string]any, subject string) (outcome string, score float64, detail string) {
	total, passed := 0, 0
	var failures []string

	if mustContain, ok := inputs["must_contain"].([]any); ok {
		for _, v := range mustContain {
			s, _ := v.(string)
			total++
			if strings.Contains(subject, s) {
				passed++
			} else {
				failures = append(failures, fmt.Sprintf("missing required content %q", s))
			}
		}
	}
	if mustNotContain, ok := inputs["must_not_contain"].([]any); ok {
		for _, v := range mustNotContain {
			s, _ := v.(string)
			total++
			if !strings.Contains(subject, s) {
				passed++
			} else {
				failures = append(failures, fmt.Sprintf("contains forbidden content %q", s))
			}
		}
	}
	if minLen, ok := inputs["min_length"].(float64); ok {
		total++
		if len(subject) >= int(minLen) {
			passed++
		} else {
			failures = append(failures, fmt.Sprintf("length %d below minimum %d", len(subject), int(minLen)))
		}
	}
	if maxLen, ok := inputs["max_length"].(float64); ok {
		total++
		if len(subject) <= int(maxLen) {
			passed++
		} else {
			failures = append(failures, fmt.Sprintf("length %d exceeds maximum %d", len(subject), int(maxLen)))
		}
	}

	if total == 0 {
		return "", 0, ""
	}
	score = float64(passed) / float64(total)
	switch {
	case passed == total:
		return "pass", score, ""
	case passed == 0:
		return "fail", score, strings.Join(failures, "; ")
	default:
		return "partial", score, strings.Join(failures, "; ")
	}
}

func needsSemanticCheck(inputs map[string]any) bool {
	v, ok := inputs["semantic_check"].(bool)
	return ok && v
}

func (e *Executor) runSemanticCheck(rc *rtctx.RuntimeContext, step *domain.Step, subject string) (string, float64, string, error) {
	criterion, _ := step.Inputs["criterion"].(string)
	if criterion == "" {
		criterion = "the output satisfies the step's intent"
	}

	ref, err := e.models.SelectModel(rc.Context, domain.TaskClassReasoning)
	if err != nil {
		return "", 0, "", err
	}
	user := fmt.Sprintf("Criterion: %s\n\nSubject:\n%s\n\nRespond with a JSON object: {\"outcome\":\"pass\"|\"fail\"|\"partial\",\"quality_score\":number,\"detail\":string}.", criterion, subject)
	result, err := e.gateway.Generate(rc, ref, llmgateway.ProviderRequest{User: user}, llmgateway.GenerateOptions{})
	if err != nil {
		return "", 0, "", err
	}

	var out validationOutcome
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Text)), &out); err != nil || out.Outcome == "" {
		return "", 0, "", fmt.Errorf("semantic check produced no parseable outcome")
	}
	return out.Outcome, out.QualityScore, out.Detail, nil
}

// combineOutcomes folds a structural-check result together with a
// semantic-check result: the worse outcome wins, scores average.
func combineOutcomes(aOutcome string, aScore float64, aDetail, bOutcome string, bScore float64, bDetail string) (string, float64, string) {
	rank := map[string]int{"fail": 0, "partial": 1, "pass": 2, "": 2}
	outcome := aOutcome
	if rank[bOutcome] < rank[aOutcome] {
		outcome = bOutcome
	}
	score := bScore
	if aOutcome != "" {
		score = (aScore + bScore) / 2
	}
	detail := bDetail
	if aDetail != "" && bDetail != "" {
		detail = aDetail + "; " + bDetail
	} else if aDetail != "" {
		detail = aDetail
	}
	return outcome, score, detail
}
