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

// Package store persists tasks and telemetry. Postgres is the production
// backend; Memory serves development runs without a database and tests.
package store

import (
	"context"
	"errors"
	"time"

	"detonationworker/src/model"
)

var ErrTaskNotFound = errors.New("task not found")

type Store interface {
	InsertEvent(ctx context.Context, ev *model.TelemetryEvent) error
	// BackfillEvents stamps taskID onto every event of sessionID that has no
	// task yet and returns how many rows changed.
	BackfillEvents(ctx context.Context, sessionID, taskID string) (int64, error)
	EventsForTask(ctx context.Context, taskID string) ([]model.TelemetryEvent, error)

	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	SetSandboxLabel(ctx context.Context, id, label string) error
	CompleteTask(ctx context.Context, id string, at time.Time) error
	// ClaimQueuedTask locks the oldest unclaimed Queued task for workerID.
	// It returns nil, nil when there is nothing to do.
	ClaimQueuedTask(ctx context.Context, workerID string) (*model.Task, error)
	// RequeueStale releases claims older than age on tasks that never left Queued.
	RequeueStale(ctx context.Context, age time.Duration) (int64, error)
	// OrphanedRuns lists tasks claimed longer than age ago that sit in an
	// intermediate status, which happens when a worker dies mid-run.
	OrphanedRuns(ctx context.Context, age time.Duration) ([]*model.Task, error)
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)

	// RequestAnalysis hands a finished task to the downstream analyzer.
	RequestAnalysis(ctx context.Context, taskID string) error
}
