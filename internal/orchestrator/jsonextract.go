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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSONObject tries a direct parse, then the first fenced code
// block, then the first balanced {...} object. The planner's own JSON
// extraction for decomposition output (spec §4.8's "JSON extraction"
// rule) uses the same rungs but tries the balanced span before the
// fenced block and also strips trailing commas; this chain is applied
// here to interpretation/validation output
// instead of plan steps. Kept as this package's own small copy rather
// than an exported planner helper, since stagemachine handlers and
// Planner are deliberately not allowed to import each other.
func extractJSONObject(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}

	if body := fencedBody(raw); body != "" {
		if err := json.Unmarshal([]byte(body), out); err == nil {
			return nil
		}
	}

	if body := firstBalancedObject(raw); body != "" {
		if err := json.Unmarshal([]byte(body), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("could not extract a JSON object from model output")
}

func fencedBody(raw string) string {
	const fence = "```"
	start := strings.Index(raw, fence)
	if start < 0 {
		return ""
	}
	rest := raw[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func firstBalancedObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}
