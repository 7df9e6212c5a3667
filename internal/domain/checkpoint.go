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

// Checkpoint is an integrity-hashed snapshot of an entity's state.
type Checkpoint struct {
	CheckpointID  string    `json:"checkpoint_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	StateBlob     []byte    `json:"state_blob"`
	IntegrityHash string    `json:"integrity_hash"`
	Reason        string    `json:"reason"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
