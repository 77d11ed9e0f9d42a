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

package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"detonationworker/src/logging"
)

// Retrying wraps a backend so every call is attempted up to Attempts times
// with a fixed Backoff between attempts.
type Retrying struct {
	Backend  Hypervisor
	Attempts int
	Backoff  time.Duration
}

func NewRetrying(backend Hypervisor, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{Backend: backend, Attempts: attempts, Backoff: backoff}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Log(fmt.Sprintf("Hypervisor %s attempt %d/%d failed: %v", op, i+1, r.Attempts, err), slog.LevelWarn)
		if i == r.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.Attempts, err)
}

func (r *Retrying) ListNodes(ctx context.Context) ([]string, error) {
	var nodes []string
	err := r.do(ctx, "list nodes", func() error {
		var err error
		nodes, err = r.Backend.ListNodes(ctx)
		return err
	})
	return nodes, err
}

func (r *Retrying) ListVMs(ctx context.Context, node string) ([]VM, error) {
	var vms []VM
	err := r.do(ctx, "list vms on "+node, func() error {
		var err error
		vms, err = r.Backend.ListVMs(ctx, node)
		return err
	})
	return vms, err
}

func (r *Retrying) RevertSnapshot(ctx context.Context, node string, vmid int, snapshot string) error {
	return r.do(ctx, fmt.Sprintf("revert %s/%d to %s", node, vmid, snapshot), func() error {
		return r.Backend.RevertSnapshot(ctx, node, vmid, snapshot)
	})
}

func (r *Retrying) SetPower(ctx context.Context, node string, vmid int, action PowerAction) error {
	return r.do(ctx, fmt.Sprintf("%s %s/%d", action, node, vmid), func() error {
		return r.Backend.SetPower(ctx, node, vmid, action)
	})
}
