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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"detonationworker/src/model"
)

func TestMemoryBackfillOnlyTouchesUnboundRowsOfSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	other := "T0"

	require.NoError(t, m.InsertEvent(ctx, &model.TelemetryEvent{SessionID: "S1", EventType: "PROCESS_CREATE"}))
	require.NoError(t, m.InsertEvent(ctx, &model.TelemetryEvent{SessionID: "S1", EventType: "FILE_WRITE", TaskID: &other}))
	require.NoError(t, m.InsertEvent(ctx, &model.TelemetryEvent{SessionID: "S2", EventType: "PROCESS_CREATE"}))

	n, err := m.BackfillEvents(ctx, "S1", "T1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	events := m.Events()
	require.Equal(t, "T1", *events[0].TaskID)
	require.Equal(t, "T0", *events[1].TaskID)
	require.Nil(t, events[2].TaskID)

	mine, err := m.EventsForTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestMemoryClaimQueuedTask(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	require.NoError(t, m.CreateTask(ctx, &model.Task{ID: "late", Kind: model.TaskKindURL, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, m.CreateTask(ctx, &model.Task{ID: "early", Kind: model.TaskKindURL, CreatedAt: base}))
	require.NoError(t, m.CreateTask(ctx, &model.Task{ID: "done", Kind: model.TaskKindURL, Status: model.TaskCompleted}))

	task, err := m.ClaimQueuedTask(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "early", task.ID)
	require.Equal(t, "w1", *task.WorkerID)

	task, err = m.ClaimQueuedTask(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "late", task.ID)

	task, err = m.ClaimQueuedTask(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, task)

	n, err := m.RequeueStale(ctx, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestMemoryOrphanedRunsSkipsQueuedAndTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.CreateTask(ctx, &model.Task{ID: id, Kind: model.TaskKindURL, CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}))
		_, err := m.ClaimQueuedTask(ctx, "w1")
		require.NoError(t, err)
	}
	require.NoError(t, m.UpdateTaskStatus(ctx, "T1", model.TaskCollecting))
	require.NoError(t, m.UpdateTaskStatus(ctx, "T2", model.TaskFailedAgentTimeout))

	orphans, err := m.OrphanedRuns(ctx, -time.Minute)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "T1", orphans[0].ID)

	orphans, err = m.OrphanedRuns(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestMemoryStatusUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.ErrorIs(t, m.UpdateTaskStatus(ctx, "missing", model.TaskPreparing), ErrTaskNotFound)

	require.NoError(t, m.CreateTask(ctx, &model.Task{ID: "T1", Kind: model.TaskKindFile}))
	require.NoError(t, m.UpdateTaskStatus(ctx, "T1", model.TaskPreparing))
	require.NoError(t, m.CompleteTask(ctx, "T1", time.Now()))

	task, err := m.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, []model.TaskStatus{model.TaskPreparing, model.TaskCompleted}, m.StatusHistory("T1"))

	counts, err := m.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.TaskCompleted])
}
