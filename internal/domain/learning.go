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

// LearningKind discriminates the kinds of pattern the Reflector emits.
type LearningKind string

const (
	LearningStrategy      LearningKind = "strategy"
	LearningPrompt        LearningKind = "prompt"
	LearningToolSelection LearningKind = "tool_selection"
	LearningCodePattern   LearningKind = "code_pattern"
	LearningErrorRecovery LearningKind = "error_recovery"
)

// ReflectionLevel is the granularity at which a LearningPattern was
// observed (spec §4.11: micro per step, meso per step-group, macro per
// plan).
type ReflectionLevel string

const (
	ReflectionMicro ReflectionLevel = "micro"
	ReflectionMeso  ReflectionLevel = "meso"
	ReflectionMacro ReflectionLevel = "macro"
)

// LearningPattern is a recalled-and-scored procedural pattern.
type LearningPattern struct {
	PatternID           string          `json:"pattern_id"`
	Kind                LearningKind    `json:"kind"`
	Level               ReflectionLevel `json:"level"`
	Signature           string          `json:"signature"`
	ObservedSuccessRate float64         `json:"observed_success_rate"`
	SampleCount         int             `json:"sample_count"`
}

// RecallEligible reports whether this pattern meets the Planner's
// procedural-recall threshold (spec §4.8.1: success_rate > 0.7 and
// sample_count >= 5).
func (l *LearningPattern) RecallEligible() bool {
	return l.ObservedSuccessRate > 0.7 && l.SampleCount >= 5
}
