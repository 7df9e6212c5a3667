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

// QueueTaskState is the lifecycle of a QueueTask.
type QueueTaskState string

const (
	QueueQueued    QueueTaskState = "queued"
	QueueLeased    QueueTaskState = "leased"
	QueueSucceeded QueueTaskState = "succeeded"
	QueueFailed    QueueTaskState = "failed"
	QueueDead      QueueTaskState = "dead"
)

// QueueTask is a unit of leased, retried work in a priority queue.
type QueueTask struct {
	TaskID        string         `json:"task_id"`
	QueueID       string         `json:"queue_id"`
	Priority      int            `json:"priority"` // 0-9
	Payload       map[string]any `json:"payload"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	State         QueueTaskState `json:"state"`
	LeaseOwner    string         `json:"lease_owner,omitempty"`
	NextVisibleAt time.Time      `json:"next_visible_at"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	LeaseExpiry   time.Time      `json:"lease_expiry,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}
