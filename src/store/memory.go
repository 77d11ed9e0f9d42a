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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"detonationworker/src/model"
)

// Memory keeps everything in process. Nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	events   []model.TelemetryEvent
	nextID   int64
	analysis []string
	statuses map[string][]model.TaskStatus

	// Submitted receives the id of every created task when non-nil.
	Submitted chan string
}

func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*model.Task),
		statuses: make(map[string][]model.TaskStatus),
	}
}

func (m *Memory) InsertEvent(_ context.Context, ev *model.TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	stored := *ev
	if ev.TaskID != nil {
		id := *ev.TaskID
		stored.TaskID = &id
	}
	m.events = append(m.events, stored)
	return nil
}

func (m *Memory) BackfillEvents(_ context.Context, sessionID, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.events {
		if m.events[i].SessionID == sessionID && m.events[i].TaskID == nil {
			id := taskID
			m.events[i].TaskID = &id
			n++
		}
	}
	return n, nil
}

func (m *Memory) EventsForTask(_ context.Context, taskID string) ([]model.TelemetryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TelemetryEvent
	for _, ev := range m.events {
		if ev.TaskID != nil && *ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Events returns a copy of every stored event in insertion order.
func (m *Memory) Events() []model.TelemetryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TelemetryEvent(nil), m.events...)
}

func (m *Memory) CreateTask(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	stored := *task
	m.tasks[task.ID] = &stored
	m.mu.Unlock()

	if m.Submitted != nil {
		select {
		case m.Submitted <- task.ID:
		default:
		}
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *task
	return &out, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id string, status model.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	m.statuses[id] = append(m.statuses[id], status)
	return nil
}

// StatusHistory lists every status written for id, in order.
func (m *Memory) StatusHistory(id string) []model.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TaskStatus(nil), m.statuses[id]...)
}

func (m *Memory) SetSandboxLabel(_ context.Context, id, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.SandboxLabel = &label
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = model.TaskCompleted
	task.CompletedAt = &at
	m.statuses[id] = append(m.statuses[id], model.TaskCompleted)
	return nil
}

func (m *Memory) ClaimQueuedTask(_ context.Context, workerID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*model.Task
	for _, task := range m.tasks {
		if task.Status == model.TaskQueued && task.LockedAt == nil {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	task := candidates[0]
	now := time.Now()
	worker := workerID
	task.LockedAt = &now
	task.WorkerID = &worker
	out := *task
	return &out, nil
}

func (m *Memory) RequeueStale(_ context.Context, age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var n int64
	for _, task := range m.tasks {
		if task.Status == model.TaskQueued && task.LockedAt != nil && task.LockedAt.Before(cutoff) {
			task.LockedAt = nil
			task.WorkerID = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) OrphanedRuns(_ context.Context, age time.Duration) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var tasks []*model.Task
	for _, task := range m.tasks {
		if task.Status == model.TaskQueued || task.Status.Terminal() || task.LockedAt == nil || !task.LockedAt.Before(cutoff) {
			continue
		}
		out := *task
		tasks = append(tasks, &out)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].LockedAt.Before(*tasks[j].LockedAt) })
	return tasks, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[model.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.TaskStatus]int)
	for _, task := range m.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (m *Memory) RequestAnalysis(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analysis = append(m.analysis, taskID)
	return nil
}

// AnalysisRequests lists task ids handed to RequestAnalysis.
func (m *Memory) AnalysisRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.analysis...)
}
