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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Proxmox drives QEMU guests through the Proxmox VE REST API using an API
// token.
type Proxmox struct {
	baseURL     string
	tokenID     string
	tokenSecret string
	client      *http.Client

	// TaskPoll and TaskTimeout bound the wait for asynchronous tasks
	// (rollback, power changes) to finish.
	TaskPoll    time.Duration
	TaskTimeout time.Duration
}

func NewProxmox(baseURL, tokenID, tokenSecret string, insecure bool) *Proxmox {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Proxmox{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokenID:     tokenID,
		tokenSecret: tokenSecret,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   30 * time.Second,
		},
		TaskPoll:    time.Second,
		TaskTimeout: 2 * time.Minute,
	}
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (p *Proxmox) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+"/api2/json"+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", p.tokenID, p.tokenSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return json.Unmarshal(envelope.Data, out)
}

func (p *Proxmox) ListNodes(ctx context.Context) ([]string, error) {
	var nodes []struct {
		Node string `json:"node"`
	}
	if err := p.call(ctx, http.MethodGet, "/nodes", &nodes); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Node)
	}
	if len(names) == 0 {
		return nil, ErrNoNodes
	}
	return names, nil
}

func (p *Proxmox) ListVMs(ctx context.Context, node string) ([]VM, error) {
	var vms []VM
	if err := p.call(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/qemu", &vms); err != nil {
		return nil, err
	}
	for i := range vms {
		vms[i].Node = node
	}
	return vms, nil
}

func (p *Proxmox) RevertSnapshot(ctx context.Context, node string, vmid int, snapshot string) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s/rollback", url.PathEscape(node), vmid, url.PathEscape(snapshot))
	if err := p.call(ctx, http.MethodPost, path, &upid); err != nil {
		return err
	}
	return p.waitTask(ctx, node, upid)
}

func (p *Proxmox) SetPower(ctx context.Context, node string, vmid int, action PowerAction) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", url.PathEscape(node), vmid, action)
	if err := p.call(ctx, http.MethodPost, path, &upid); err != nil {
		return err
	}
	return p.waitTask(ctx, node, upid)
}

// waitTask blocks until the task identified by upid stops and reports its
// exit status.
func (p *Proxmox) waitTask(ctx context.Context, node, upid string) error {
	if upid == "" {
		return nil
	}
	deadline := time.Now().Add(p.TaskTimeout)
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	for {
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := p.call(ctx, http.MethodGet, path, &status); err != nil {
			return err
		}
		if status.Status == "stopped" {
			if status.ExitStatus != "OK" {
				return fmt.Errorf("task %s: %s", upid, status.ExitStatus)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("task %s still %s after %s", upid, status.Status, p.TaskTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.TaskPoll):
		}
	}
}
