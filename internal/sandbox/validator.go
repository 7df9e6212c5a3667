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

package sandbox

import "fmt"

// validateArgs performs a structural check of args against a JSON-schema-
// shaped map (type: "object", properties: {...}, required: [...]). The
// teacher vendors invopop/jsonschema to *generate* schemas but no validator
// to *check* values against one, so this is a small hand-rolled subset
// covering what a tool's declared schema actually uses here: object/array/
// string/number/integer/boolean types and a required list.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	} else if requiredAny, ok := schema["required"].([]any); ok {
		for _, r := range requiredAny {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	if properties == nil {
		return nil
	}
	for name, value := range args {
		propSchema, declared := properties[name]
		if !declared {
			continue
		}
		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		expected, _ := propMap["type"].(string)
		if expected == "" {
			continue
		}
		if !valueMatchesType(value, expected) {
			return fmt.Errorf("argument %q: expected type %q", name, expected)
		}
	}
	return nil
}

func valueMatchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
