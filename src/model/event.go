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
	"strings"
	"time"
)

// TelemetryEvent is one observation reported by an in-VM agent.
type TelemetryEvent struct {
	ID               int64
	EventType        string
	ProcessID        int
	ParentProcessID  int
	ProcessName      string
	Details          string
	DecodedDetails   *string
	DigitalSignature *string
	Timestamp        time.Time
	SessionID        string
	TaskID           *string // nil until bound or backfilled
}

// IsRegistryChange reports whether the event describes a registry mutation.
func (e *TelemetryEvent) IsRegistryChange() bool {
	t := strings.ToUpper(e.EventType)
	return strings.HasPrefix(t, "REG_") || strings.Contains(t, "REGISTRY")
}

// HelloEventType announces the agent hostname in Details. It is never persisted.
const HelloEventType = "AGENT_HELLO"
