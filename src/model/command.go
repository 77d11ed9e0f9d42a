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

type CommandType string

const (
	CommandKill         CommandType = "KILL"
	CommandExecBinary   CommandType = "EXEC_BINARY"
	CommandExecURL      CommandType = "EXEC_URL"
	CommandScreenshot   CommandType = "SCREENSHOT"
	CommandUploadPivot  CommandType = "UPLOAD_PIVOT"
	CommandDownloadExec CommandType = "DOWNLOAD_EXEC"
)

// Valid reports whether c is one of the commands an agent understands.
func (c CommandType) Valid() bool {
	switch c {
	case CommandKill, CommandExecBinary, CommandExecURL, CommandScreenshot, CommandUploadPivot, CommandDownloadExec:
		return true
	}
	return false
}

// Command is a server-to-agent instruction.
type Command struct {
	Command  CommandType `json:"command"`
	PID      *int        `json:"pid,omitempty"`
	Path     string      `json:"path,omitempty"`
	Args     string      `json:"args,omitempty"`
	URL      string      `json:"url,omitempty"`
	Filename string      `json:"filename,omitempty"`
}
