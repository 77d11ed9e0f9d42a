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

// Package hypervisor controls the machines samples detonate in.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoNodes = errors.New("hypervisor reported no nodes")

type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReset    PowerAction = "reset"
)

type VM struct {
	ID     int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Node   string `json:"-"`
}

// Label is the sandbox identity recorded on a task.
func (v VM) Label() string {
	if v.Name == "" {
		return fmt.Sprintf("%s/%d", v.Node, v.ID)
	}
	return fmt.Sprintf("%s/%d (%s)", v.Node, v.ID, v.Name)
}

type Hypervisor interface {
	ListNodes(ctx context.Context) ([]string, error)
	ListVMs(ctx context.Context, node string) ([]VM, error)
	RevertSnapshot(ctx context.Context, node string, vmid int, snapshot string) error
	SetPower(ctx context.Context, node string, vmid int, action PowerAction) error
}
