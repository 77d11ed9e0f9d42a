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

package agentwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"detonationworker/src/model"
)

// telemetryLine is the agent-to-server wire shape. task_id is accepted but
// never trusted; ownership comes from the session binding.
type telemetryLine struct {
	EventType        string          `json:"event_type"`
	ProcessID        int             `json:"process_id"`
	ParentProcessID  int             `json:"parent_process_id"`
	ProcessName      string          `json:"process_name"`
	Details          json.RawMessage `json:"details"`
	DecodedDetails   *string         `json:"decoded_details,omitempty"`
	Timestamp        json.RawMessage `json:"timestamp"`
	DigitalSignature *string         `json:"digital_signature,omitempty"`
	TaskID           json.RawMessage `json:"task_id,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// EncodeCommand renders cmd as one newline-terminated JSON line.
func EncodeCommand(cmd model.Command) ([]byte, error) {
	if !cmd.Command.Valid() {
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeCommand is the agent-side inverse of EncodeCommand.
func DecodeCommand(line []byte) (model.Command, error) {
	var cmd model.Command
	if err := json.Unmarshal(bytes.TrimSpace(line), &cmd); err != nil {
		return cmd, err
	}
	if !cmd.Command.Valid() {
		return cmd, fmt.Errorf("unknown command %q", cmd.Command)
	}
	return cmd, nil
}

// DecodeTelemetry parses one agent line. received stamps events that carry no
// usable timestamp.
func DecodeTelemetry(line []byte, received time.Time) (model.TelemetryEvent, error) {
	var raw telemetryLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return model.TelemetryEvent{}, err
	}
	if raw.EventType == "" {
		return model.TelemetryEvent{}, errors.New("missing event_type")
	}
	return model.TelemetryEvent{
		EventType:        raw.EventType,
		ProcessID:        raw.ProcessID,
		ParentProcessID:  raw.ParentProcessID,
		ProcessName:      raw.ProcessName,
		Details:          freeForm(raw.Details),
		DecodedDetails:   raw.DecodedDetails,
		DigitalSignature: raw.DigitalSignature,
		Timestamp:        parseTimestamp(raw.Timestamp, received),
	}, nil
}

// freeForm keeps strings as-is and any other JSON value as its text.
func freeForm(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
		return fallback
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
