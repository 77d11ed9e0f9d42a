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
	"context"
	"sort"
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	RunsStarted      uint64    `json:"runs_started"`
	RunsCompleted    uint64    `json:"runs_completed"`
	RunsFailed       uint64    `json:"runs_failed"`
	DatabaseFailures uint64    `json:"database_failures"`
	ActiveTasks      []string  `json:"active_tasks"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	active         map[string]struct{}
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		active: make(map[string]struct{}),
	}
}

func (s *WorkerStats) RunStarted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.RunsStarted++
	s.active[taskID] = struct{}{}
	Increment(context.Background(), "orchestrator_runs_total")
}

// RunFinished records the outcome of a run and drops it from the active set.
func (s *WorkerStats) RunFinished(taskID string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, taskID)
	if failed {
		s.statusResponse.RunsFailed++
		Increment(context.Background(), "orchestrator_runs_failed")
	} else {
		s.statusResponse.RunsCompleted++
		Increment(context.Background(), "orchestrator_runs_completed")
	}
}

func (s *WorkerStats) DatabaseFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.DatabaseFailures++
	Increment(context.Background(), "worker_database_failures")
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.ActiveTasks = make([]string, 0, len(s.active))
	for id := range s.active {
		resp.ActiveTasks = append(resp.ActiveTasks, id)
	}
	sort.Strings(resp.ActiveTasks)
	return resp
}
