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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskStatusLegacyLabels(t *testing.T) {
	require.Equal(t, "Queued", TaskQueued.String())
	require.Equal(t, "WaitingForAgent", TaskWaitingForAgent.String())
	require.Equal(t, "FailedAgentTimeout", TaskFailedAgentTimeout.String())

	v, err := TaskStoppingVM.Value()
	require.NoError(t, err)
	require.Equal(t, "StoppingVM", v)

	var s TaskStatus
	require.NoError(t, s.Scan([]byte("FailedNoVM")))
	require.Equal(t, TaskFailedNoVM, s)
	require.Error(t, s.Scan("failed"))
}

func TestTaskStatusJSON(t *testing.T) {
	b, err := json.Marshal(map[string]TaskStatus{"status": TaskCollecting})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"Collecting"}`, string(b))
}

func TestTaskStatusTerminal(t *testing.T) {
	require.True(t, TaskCompleted.Terminal())
	require.True(t, TaskFailedNoVM.Failed())
	require.False(t, TaskRunning.Terminal())
	require.False(t, TaskCompleted.Failed())
}

func TestRegistryChangeDetection(t *testing.T) {
	require.True(t, (&TelemetryEvent{EventType: "REG_SET"}).IsRegistryChange())
	require.True(t, (&TelemetryEvent{EventType: "RegistryValueSet"}).IsRegistryChange())
	require.False(t, (&TelemetryEvent{EventType: "PROCESS_CREATE"}).IsRegistryChange())
}
