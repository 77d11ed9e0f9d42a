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

import "time"

// SessionInfo is a point-in-time copy of a live agent session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	TaskID      string    `json:"task_id,omitempty"`
}

// Bound reports whether a task is attached to the session.
func (s SessionInfo) Bound() bool {
	return s.TaskID != ""
}
