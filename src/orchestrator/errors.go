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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"detonationworker/src/logging"
)

type Step string

const (
	StepSelectVM       Step = "select_vm"
	StepRevert         Step = "revert"
	StepStart          Step = "start"
	StepHandshake      Step = "handshake"
	StepBackfill       Step = "backfill"
	StepDetonate       Step = "detonate"
	StepStop           Step = "stop"
	StepTeardownRevert Step = "teardown_revert"
	StepHandoff        Step = "handoff"
	StepPersist        Step = "persist"
)

// StepError carries a collaborator failure out of a run. Most are
// non-fatal; the run's returned status says whether it was.
type StepError struct {
	TaskID string
	Step   Step
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Critical reports whether the failure leaves a sandbox dirty.
func (e *StepError) Critical() bool {
	return e.Step == StepTeardownRevert
}

// LogStepError is the default observability hook.
func LogStepError(ctx context.Context, e *StepError) {
	level := slog.LevelWarn
	msg := e.Error()
	if e.Critical() {
		level = slog.LevelError
		msg = "CRITICAL: " + msg
	}
	logging.LogContext(ctx, msg, level, slog.String("task_id", e.TaskID), slog.String("step", string(e.Step)))
	logging.Increment(ctx, "orchestrator_step_failures", attribute.String("step", string(e.Step)))
}
