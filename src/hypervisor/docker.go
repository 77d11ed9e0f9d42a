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
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"detonationworker/src/logging"
)

const (
	// VMIDLabel marks a container as a sandbox and carries its numeric id.
	VMIDLabel = "detonation.vmid"
	// ImageLabel names the image repository snapshots are tagged in.
	ImageLabel = "detonation.image"

	sandboxNetworkName = "detonation_sandbox"
)

// dockerAPI is the subset of *client.Client the Docker backend uses.
type dockerAPI interface {
	Info(ctx context.Context) (system.Info, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// Docker treats labelled containers on a single daemon as sandboxes. A
// snapshot is an image tag; reverting recreates the container from it.
type Docker struct {
	cli dockerAPI
}

func NewDocker(cli dockerAPI) *Docker {
	return &Docker{cli: cli}
}

// EnsureSandboxNetwork creates or retrieves the network sandbox containers
// attach to.
func (d *Docker) EnsureSandboxNetwork(ctx context.Context) (string, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) ListNodes(ctx context.Context) ([]string, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return nil, err
	}
	return []string{info.Name}, nil
}

func (d *Docker) ListVMs(ctx context.Context, node string) ([]VM, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", VMIDLabel)),
	})
	if err != nil {
		return nil, err
	}
	vms := make([]VM, 0, len(containers))
	for _, c := range containers {
		id, err := strconv.Atoi(c.Labels[VMIDLabel])
		if err != nil {
			logging.Log(fmt.Sprintf("Container %s has non-numeric %s label %q", c.ID, VMIDLabel, c.Labels[VMIDLabel]), slog.LevelWarn)
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		vms = append(vms, VM{ID: id, Name: name, Status: string(c.State), Node: node})
	}
	return vms, nil
}

func (d *Docker) findContainer(ctx context.Context, vmid int) (string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%d", VMIDLabel, vmid))),
	})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("no container labelled %s=%d", VMIDLabel, vmid)
	}
	return containers[0].ID, nil
}

// RevertSnapshot replaces the container with a fresh one created from the
// snapshot image, keeping its name, labels, host and network configuration.
// The new container is left stopped.
func (d *Docker) RevertSnapshot(ctx context.Context, node string, vmid int, snapshot string) error {
	id, err := d.findContainer(ctx, vmid)
	if err != nil {
		return err
	}
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", id, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.Config == nil {
		return fmt.Errorf("inspect %s: incomplete response", id)
	}

	config := *inspect.Config
	config.Image = snapshotImage(config, snapshot)

	var networking *network.NetworkingConfig
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		networking = &network.NetworkingConfig{EndpointsConfig: make(map[string]*network.EndpointSettings)}
		for name, ep := range inspect.NetworkSettings.Networks {
			networking.EndpointsConfig[name] = &network.EndpointSettings{NetworkID: ep.NetworkID, Aliases: ep.Aliases}
		}
	}

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	name := strings.TrimPrefix(inspect.Name, "/")
	if _, err := d.cli.ContainerCreate(ctx, &config, inspect.HostConfig, networking, nil, name); err != nil {
		return fmt.Errorf("recreate %s from %s: %w", name, config.Image, err)
	}
	logging.Log(fmt.Sprintf("Sandbox %s/%d recreated from %s", node, vmid, config.Image), slog.LevelInfo)
	return nil
}

func snapshotImage(config container.Config, snapshot string) string {
	repo := config.Labels[ImageLabel]
	if repo == "" {
		repo = config.Image
		if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
			repo = repo[:i]
		}
	}
	return repo + ":" + snapshot
}

func (d *Docker) SetPower(ctx context.Context, node string, vmid int, action PowerAction) error {
	id, err := d.findContainer(ctx, vmid)
	if err != nil {
		return err
	}
	switch action {
	case PowerStart:
		return d.cli.ContainerStart(ctx, id, container.StartOptions{})
	case PowerStop:
		kill := 0
		return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &kill})
	case PowerShutdown:
		grace := 30
		return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace})
	case PowerReset:
		return d.cli.ContainerRestart(ctx, id, container.StopOptions{})
	default:
		return fmt.Errorf("unsupported power action %q", action)
	}
}
