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

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"detonationworker/src/logging"
	"detonationworker/src/model"
	"detonationworker/src/orchestrator"
)

// staleClaim is how long a claimed task may sit in Queued before another
// worker may take it.
const staleClaim = time.Hour

type TaskSource interface {
	ClaimQueuedTask(ctx context.Context, workerID string) (*model.Task, error)
	RequeueStale(ctx context.Context, age time.Duration) (int64, error)
	OrphanedRuns(ctx context.Context, age time.Duration) ([]*model.Task, error)
}

type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) model.TaskStatus
}

// Dispatcher claims Queued tasks and starts one orchestration run per task,
// up to a fixed number of concurrent runs.
type Dispatcher struct {
	tasks       TaskSource
	runner      Runner
	workerID    string
	workerstats *logging.WorkerStats
	slots       *semaphore.Weighted
	wg          sync.WaitGroup

	// StaleAfter is the claim age RecoverTasks treats as abandoned.
	StaleAfter time.Duration
}

func NewDispatcher(tasks TaskSource, runner Runner, workerID string, workerstats *logging.WorkerStats, maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		tasks:       tasks,
		runner:      runner,
		workerID:    workerID,
		workerstats: workerstats,
		slots:       semaphore.NewWeighted(int64(maxConcurrent)),
		StaleAfter:  staleClaim,
	}
}

// ProcessTasks launches runs until the queue is empty or every slot is busy.
// It returns how many runs were started.
func (d *Dispatcher) ProcessTasks(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !d.slots.TryAcquire(1) {
			return started
		}
		task, err := d.tasks.ClaimQueuedTask(ctx, d.workerID)
		if err != nil {
			d.slots.Release(1)
			logging.Log(fmt.Sprintf("Error claiming task: %v", err), slog.LevelError)
			d.workerstats.DatabaseFailure()
			return started
		}
		if task == nil {
			d.slots.Release(1)
			return started
		}

		logging.Log(fmt.Sprintf("Processing task %s (%s)", task.ID, task.Kind), slog.LevelInfo)
		d.workerstats.RunStarted(task.ID)
		started++
		d.wg.Add(1)
		go func(task *model.Task) {
			defer d.wg.Done()
			status := d.runner.Run(ctx, orchestrator.RequestFromTask(task))
			d.slots.Release(1)
			d.workerstats.RunFinished(task.ID, status.Failed())
			logging.Log(fmt.Sprintf("Task %s finished: %s", task.ID, status), slog.LevelInfo)
		}(task)
	}
	return started
}

// RecoverTasks releases claims left behind by a worker that crashed before
// its run started, and reports runs that a crashed worker abandoned midway.
// Abandoned runs keep their status: there is no failure state for them, and
// their sandbox may still be running for an operator to inspect.
func (d *Dispatcher) RecoverTasks(ctx context.Context) {
	count, err := d.tasks.RequeueStale(ctx, d.StaleAfter)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		d.workerstats.DatabaseFailure()
		return
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale task claims", count), slog.LevelInfo)
	}

	orphans, err := d.tasks.OrphanedRuns(ctx, d.StaleAfter)
	if err != nil {
		logging.Log(fmt.Sprintf("Error listing abandoned runs: %v", err), slog.LevelError)
		d.workerstats.DatabaseFailure()
		return
	}
	for _, task := range orphans {
		sandbox := "no sandbox"
		if task.SandboxLabel != nil {
			sandbox = *task.SandboxLabel
		}
		logging.Log(fmt.Sprintf("Task %s abandoned in %s on %s", task.ID, task.Status, sandbox), slog.LevelWarn)
	}
}

// Wait blocks until every started run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
