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

// Package telemetry attributes agent events to tasks and persists them.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"detonationworker/src/logging"
	"detonationworker/src/model"
)

// Bindings exposes the task currently bound to a session.
type Bindings interface {
	BoundTask(sessionID string) string
}

type EventStore interface {
	InsertEvent(ctx context.Context, ev *model.TelemetryEvent) error
	BackfillEvents(ctx context.Context, sessionID, taskID string) (int64, error)
}

type Correlator struct {
	bindings Bindings
	events   EventStore
	filter   *NoiseFilter
}

func NewCorrelator(bindings Bindings, events EventStore, filter *NoiseFilter) *Correlator {
	if filter == nil {
		filter = NewNoiseFilter(DefaultNoiseProcesses...)
	}
	return &Correlator{bindings: bindings, events: events, filter: filter}
}

// Ingest stamps ev with the session's current task and persists it. If the
// session was bound while the insert was in flight, the row is backfilled
// right away.
func (c *Correlator) Ingest(ctx context.Context, sessionID string, ev model.TelemetryEvent) {
	if c.filter.Drop(&ev) {
		logging.Increment(ctx, "telemetry_events_dropped")
		return
	}

	ev.SessionID = sessionID
	ev.TaskID = nil
	if taskID := c.bindings.BoundTask(sessionID); taskID != "" {
		ev.TaskID = &taskID
	}

	if err := c.events.InsertEvent(ctx, &ev); err != nil {
		logging.Log(fmt.Sprintf("Failed to persist %s event from %s: %v", ev.EventType, sessionID, err), slog.LevelError)
		return
	}
	logging.Increment(ctx, "telemetry_events_ingested")

	if ev.TaskID == nil {
		if taskID := c.bindings.BoundTask(sessionID); taskID != "" {
			c.Backfill(ctx, sessionID, taskID)
		}
	}
}

// Backfill re-stamps every unattributed event of sessionID with taskID.
func (c *Correlator) Backfill(ctx context.Context, sessionID, taskID string) (int64, error) {
	n, err := c.events.BackfillEvents(ctx, sessionID, taskID)
	if err != nil {
		logging.Log(fmt.Sprintf("Backfill of %s for task %s failed: %v", sessionID, taskID, err), slog.LevelError)
		return 0, err
	}
	if n > 0 {
		logging.Log(fmt.Sprintf("Backfilled %d events from %s to task %s", n, sessionID, taskID), slog.LevelInfo)
	}
	return n, nil
}
