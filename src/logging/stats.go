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

package logging

import (
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksAdmitted    uint64    `json:"tasks_admitted"`
	TasksRejected    uint64    `json:"tasks_rejected"`
	DecisionsPass    uint64    `json:"decisions_pass"`
	DecisionsBlocked uint64    `json:"decisions_blocked"`
	DecisionsHuman   uint64    `json:"decisions_needs_human_review"`
	MissingVerdicts  uint64    `json:"missing_verdicts"`
	DatabaseFailures uint64    `json:"database_failures"`
	ActiveTasks      []string  `json:"active_tasks,omitempty"`
}

// PipelineStats tracks what one orchestrator instance has done since start.
type PipelineStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	active         map[string]struct{}
}

func NewPipelineStats(id string) *PipelineStats {
	return &PipelineStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		active: make(map[string]struct{}),
	}
}

func (s *PipelineStats) Admitted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksAdmitted++
	s.active[taskID] = struct{}{}
}

func (s *PipelineStats) Rejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksRejected++
}

// Finished records the end of an admitted task. outcome is one of the
// decision outcomes, or empty when the task ended without a decision.
func (s *PipelineStats) Finished(taskID, outcome string, missing int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, taskID)
	s.statusResponse.MissingVerdicts += uint64(missing)
	switch outcome {
	case "":
	case "pass":
		s.statusResponse.DecisionsPass++
	case "needs-human-review":
		s.statusResponse.DecisionsHuman++
	default:
		s.statusResponse.DecisionsBlocked++
	}
}

func (s *PipelineStats) DatabaseFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.DatabaseFailures++
}

// GetStats returns the current statistics as a response struct
func (s *PipelineStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.ActiveTasks = make([]string, 0, len(s.active))
	for id := range s.active {
		resp.ActiveTasks = append(resp.ActiveTasks, id)
	}
	return resp
}
