// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskRejected  TaskStatus = "rejected"
	TaskFailed    TaskStatus = "failed"
)

// ReviewTask is the descriptor handed to the orchestrator. It is never
// mutated once created.
type ReviewTask struct {
	ID          string    `json:"task_id"`
	ProjectID   string    `json:"project_id"`
	DeveloperID string    `json:"developer_id"`
	Files       []string  `json:"files"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkspaceKey returns the workspace identity for the task.
func (t ReviewTask) WorkspaceKey() string {
	return WorkspaceKey(t.ProjectID, t.ID)
}

// WorkspaceKey derives a stable, filesystem-safe identity from a project id
// and a task id. The separator byte keeps ("ab","c") and ("a","bc") apart.
func WorkspaceKey(projectID, taskID string) string {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(taskID))
	return "ws-" + hex.EncodeToString(h.Sum(nil))[:24]
}
