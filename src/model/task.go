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
	"database/sql/driver"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a detonation task. The zero value is
// TaskQueued.
type TaskStatus uint8

const (
	TaskQueued TaskStatus = iota
	TaskPreparing
	TaskReverting
	TaskStartingVM
	TaskWaitingForAgent
	TaskDetonating
	TaskRunning
	TaskCollecting
	TaskStoppingVM
	TaskCompleted
	TaskFailedNoVM
	TaskFailedAgentTimeout
)

// Persisted labels. External observers read these verbatim.
var taskStatusLabels = [...]string{
	TaskQueued:             "Queued",
	TaskPreparing:          "Preparing",
	TaskReverting:          "Reverting",
	TaskStartingVM:         "StartingVM",
	TaskWaitingForAgent:    "WaitingForAgent",
	TaskDetonating:         "Detonating",
	TaskRunning:            "Running",
	TaskCollecting:         "Collecting",
	TaskStoppingVM:         "StoppingVM",
	TaskCompleted:          "Completed",
	TaskFailedNoVM:         "FailedNoVM",
	TaskFailedAgentTimeout: "FailedAgentTimeout",
}

func (s TaskStatus) String() string {
	if int(s) < len(taskStatusLabels) {
		return taskStatusLabels[s]
	}
	return fmt.Sprintf("TaskStatus(%d)", uint8(s))
}

// Terminal reports whether no further transition can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedNoVM || s == TaskFailedAgentTimeout
}

// Failed reports whether s is one of the absorbing failure states.
func (s TaskStatus) Failed() bool {
	return s == TaskFailedNoVM || s == TaskFailedAgentTimeout
}

// ParseTaskStatus maps a persisted label back to its status.
func ParseTaskStatus(label string) (TaskStatus, error) {
	for i, l := range taskStatusLabels {
		if l == label {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", label)
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status as its legacy label.
func (s TaskStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *TaskStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into TaskStatus", src)
	}
}

type TaskKind string

const (
	TaskKindFile TaskKind = "file"
	TaskKindURL  TaskKind = "url"
)

type Task struct {
	ID           string
	Kind         TaskKind
	URL          string // URL tasks only
	Filename     string // original sample filename, file tasks only
	Status       TaskStatus
	CreatedAt    time.Time
	CompletedAt  *time.Time
	SandboxLabel *string
	VMID         *int    // manual VM override
	Node         *string // manual node override
	DurationSec  int     // analysis window
	LockedAt     *time.Time
	WorkerID     *string
}

// Duration is the requested analysis window.
func (t *Task) Duration() time.Duration {
	return time.Duration(t.DurationSec) * time.Second
}
