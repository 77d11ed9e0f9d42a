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

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"detonationworker/src/model"
	"detonationworker/src/registry"
	"detonationworker/src/store"
)

func TestNoiseFilterKeepsRegistryChanges(t *testing.T) {
	f := NewNoiseFilter(DefaultNoiseProcesses...)

	require.True(t, f.Drop(&model.TelemetryEvent{ProcessName: "svchost.exe", EventType: "PROCESS_CREATE"}))
	require.False(t, f.Drop(&model.TelemetryEvent{ProcessName: "svchost.exe", EventType: "REG_SET"}))
	require.True(t, f.Drop(&model.TelemetryEvent{ProcessName: `C:\Windows\System32\SvcHost.EXE`, EventType: "NET_CONNECT"}))
	require.False(t, f.Drop(&model.TelemetryEvent{ProcessName: "invoice.exe", EventType: "PROCESS_CREATE"}))
}

func newSession(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	reg.Register(id, make(chan model.Command, 1), make(chan struct{}))
}

func TestIngestStampsCurrentBinding(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	mem := store.NewMemory()
	c := NewCorrelator(reg, mem, nil)
	newSession(t, reg, "S1")

	c.Ingest(ctx, "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "a.exe"})
	require.NoError(t, reg.BindTask("S1", "T1"))
	c.Ingest(ctx, "S1", model.TelemetryEvent{EventType: "FILE_WRITE", ProcessName: "a.exe"})
	c.Ingest(ctx, "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "svchost.exe"})

	events := mem.Events()
	require.Len(t, events, 2)
	require.Nil(t, events[0].TaskID)
	require.Equal(t, "S1", events[0].SessionID)
	require.Equal(t, "T1", *events[1].TaskID)
}

func TestIngestOverridesAgentSuppliedTask(t *testing.T) {
	reg := registry.New()
	mem := store.NewMemory()
	c := NewCorrelator(reg, mem, nil)
	newSession(t, reg, "S1")

	forged := "someone-else"
	c.Ingest(context.Background(), "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "a.exe", TaskID: &forged})

	require.Nil(t, mem.Events()[0].TaskID)
}

func TestBackfillAfterBind(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	mem := store.NewMemory()
	c := NewCorrelator(reg, mem, nil)
	newSession(t, reg, "S1")
	newSession(t, reg, "S2")

	c.Ingest(ctx, "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "a.exe", Timestamp: time.Unix(1, 0)})
	c.Ingest(ctx, "S2", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "b.exe", Timestamp: time.Unix(2, 0)})

	require.NoError(t, reg.BindTask("S1", "T1"))
	n, err := c.Backfill(ctx, "S1", "T1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	events, err := mem.EventsForTask(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a.exe", events[0].ProcessName)
	require.Nil(t, mem.Events()[1].TaskID)
}

// bindDuringInsert binds the session while the event is being written,
// reproducing the ingestion/bind race.
type bindDuringInsert struct {
	*store.Memory
	reg *registry.Registry
}

func (b *bindDuringInsert) InsertEvent(ctx context.Context, ev *model.TelemetryEvent) error {
	if err := b.Memory.InsertEvent(ctx, ev); err != nil {
		return err
	}
	return b.reg.BindTask(ev.SessionID, "T1")
}

func TestIngestClosesBindRace(t *testing.T) {
	reg := registry.New()
	mem := store.NewMemory()
	c := NewCorrelator(reg, &bindDuringInsert{Memory: mem, reg: reg}, nil)
	newSession(t, reg, "S1")

	c.Ingest(context.Background(), "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "a.exe"})

	events := mem.Events()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].TaskID)
	require.Equal(t, "T1", *events[0].TaskID)
}

type failingStore struct{}

func (failingStore) InsertEvent(context.Context, *model.TelemetryEvent) error {
	return errors.New("connection refused")
}

func (failingStore) BackfillEvents(context.Context, string, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestPersistenceFailuresAreNotFatal(t *testing.T) {
	reg := registry.New()
	c := NewCorrelator(reg, failingStore{}, nil)
	newSession(t, reg, "S1")

	c.Ingest(context.Background(), "S1", model.TelemetryEvent{EventType: "PROCESS_CREATE", ProcessName: "a.exe"})
	_, err := c.Backfill(context.Background(), "S1", "T1")
	require.Error(t, err)
}
