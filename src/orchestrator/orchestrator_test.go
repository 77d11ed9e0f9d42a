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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"detonationworker/src/hypervisor"
	"detonationworker/src/model"
	"detonationworker/src/registry"
	"detonationworker/src/store"
	"detonationworker/src/telemetry"
)

type fakeHV struct {
	mu           sync.Mutex
	nodes        []string
	vms          map[string][]hypervisor.VM
	listNodesErr error
	revertErrs   []error
	powerErr     error
	calls        []string
}

func (f *fakeHV) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeHV) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHV) ListNodes(context.Context) ([]string, error) {
	f.record("list_nodes")
	return f.nodes, f.listNodesErr
}

func (f *fakeHV) ListVMs(_ context.Context, node string) ([]hypervisor.VM, error) {
	f.record("list_vms " + node)
	return f.vms[node], nil
}

func (f *fakeHV) RevertSnapshot(_ context.Context, node string, vmid int, snapshot string) error {
	f.record(fmt.Sprintf("revert %s/%d %s", node, vmid, snapshot))
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.revertErrs) == 0 {
		return nil
	}
	err := f.revertErrs[0]
	f.revertErrs = f.revertErrs[1:]
	return err
}

func (f *fakeHV) SetPower(_ context.Context, node string, vmid int, action hypervisor.PowerAction) error {
	f.record(fmt.Sprintf("%s %s/%d", action, node, vmid))
	return f.powerErr
}

type failingAnalyzer struct{}

func (failingAnalyzer) RequestAnalysis(context.Context, string) error {
	return errors.New("analysis service unavailable")
}

type harness struct {
	o        *Orchestrator
	reg      *registry.Registry
	mem      *store.Memory
	hv       *fakeHV
	mu       sync.Mutex
	failures []*StepError
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg: registry.New(),
		mem: store.NewMemory(),
		hv: &fakeHV{
			nodes: []string{"pve"},
			vms: map[string][]hypervisor.VM{
				"pve": {{ID: 301, Name: "sandbox-01"}, {ID: 105, Name: "build"}},
			},
		},
	}
	cfg := DefaultConfig()
	cfg.HandshakePoll = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.SampleBaseURL = "http://10.0.0.1:8080"
	corr := telemetry.NewCorrelator(h.reg, h.mem, nil)
	h.o = New(cfg, h.hv, h.reg, h.mem, corr, h.mem)
	h.o.sleep = func(d time.Duration) {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
	}
	h.o.OnStepError = func(_ context.Context, err *StepError) {
		h.mu.Lock()
		h.failures = append(h.failures, err)
		h.mu.Unlock()
	}
	return h
}

func (h *harness) task(t *testing.T, task model.Task) Request {
	t.Helper()
	require.NoError(t, h.mem.CreateTask(context.Background(), &task))
	return RequestFromTask(&task)
}

func (h *harness) steps() []Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Step
	for _, f := range h.failures {
		out = append(out, f.Step)
	}
	return out
}

// connectAgent registers a session after delay, as the wire listener would.
func (h *harness) connectAgent(id string, delay time.Duration) chan model.Command {
	out := make(chan model.Command, 4)
	go func() {
		time.Sleep(delay)
		h.reg.Register(id, out, make(chan struct{}))
	}()
	return out
}

func TestSelectsFirstVMInReservedRange(t *testing.T) {
	h := newHarness(t)
	vm, err := h.o.selectVM(context.Background(), Request{TaskID: "T1"})
	require.NoError(t, err)
	require.Equal(t, 301, vm.ID)
	require.Equal(t, "pve", vm.Node)
}

func TestSelectsByNameConvention(t *testing.T) {
	h := newHarness(t)
	h.hv.vms["pve"] = []hypervisor.VM{{ID: 105, Name: "build"}, {ID: 120, Name: "Sandbox-win10"}}
	vm, err := h.o.selectVM(context.Background(), Request{TaskID: "T1"})
	require.NoError(t, err)
	require.Equal(t, 120, vm.ID)
}

func TestNoVMAbortsBeforeAnyVMAction(t *testing.T) {
	h := newHarness(t)
	h.hv.vms["pve"] = nil
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example"})

	status := h.o.Run(context.Background(), req)

	require.Equal(t, model.TaskFailedNoVM, status)
	require.Equal(t, []string{"list_nodes", "list_vms pve"}, h.hv.Calls())
	require.Equal(t, []model.TaskStatus{model.TaskPreparing, model.TaskFailedNoVM}, h.mem.StatusHistory("T1"))
	require.Equal(t, []Step{StepSelectVM}, h.steps())
}

func TestNodeDiscoveryFailureIsNoVM(t *testing.T) {
	h := newHarness(t)
	h.hv.listNodesErr = errors.New("401 unauthorized")
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL})

	require.Equal(t, model.TaskFailedNoVM, h.o.Run(context.Background(), req))
	require.Equal(t, []string{"list_nodes"}, h.hv.Calls())
}

func TestEmptyClusterIsNoVM(t *testing.T) {
	h := newHarness(t)
	h.hv.nodes = nil
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL})

	require.Equal(t, model.TaskFailedNoVM, h.o.Run(context.Background(), req))
	require.Len(t, h.failures, 1)
	require.ErrorIs(t, h.failures[0], ErrNoVM)
	require.ErrorIs(t, h.failures[0], hypervisor.ErrNoNodes)
}

func TestHandshakeTimeoutSendsNothingAndLeavesVMRunning(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.HandshakeTimeout = 50 * time.Millisecond
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example"})

	stale := make(chan model.Command, 1)
	h.reg.Register("stale", stale, make(chan struct{}))
	time.Sleep(2 * time.Millisecond)

	status := h.o.Run(context.Background(), req)

	require.Equal(t, model.TaskFailedAgentTimeout, status)
	require.Len(t, stale, 0)
	require.Equal(t, "", h.reg.BoundTask("stale"))
	require.Equal(t, []string{"list_nodes", "list_vms pve", "revert pve/301 clean", "start pve/301"}, h.hv.Calls())
	require.Empty(t, h.mem.AnalysisRequests())
	history := h.mem.StatusHistory("T1")
	require.Equal(t, model.TaskFailedAgentTimeout, history[len(history)-1])
}

func TestURLTaskFullLifecycle(t *testing.T) {
	h := newHarness(t)
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example/drop", DurationSec: 60})

	stale := make(chan model.Command, 1)
	h.reg.Register("stale", stale, make(chan struct{}))
	time.Sleep(2 * time.Millisecond)

	out := h.connectAgent("fresh", 30*time.Millisecond)

	status := h.o.Run(context.Background(), req)
	require.Equal(t, model.TaskCompleted, status)

	require.Len(t, stale, 0)
	require.Len(t, out, 1)
	require.Equal(t, model.Command{Command: model.CommandExecURL, URL: "http://evil.example/drop"}, <-out)

	require.Equal(t, []model.TaskStatus{
		model.TaskPreparing, model.TaskReverting, model.TaskStartingVM, model.TaskWaitingForAgent,
		model.TaskDetonating, model.TaskRunning, model.TaskCollecting, model.TaskStoppingVM, model.TaskCompleted,
	}, h.mem.StatusHistory("T1"))
	require.Equal(t, []string{
		"list_nodes", "list_vms pve", "revert pve/301 clean", "start pve/301", "stop pve/301", "revert pve/301 clean",
	}, h.hv.Calls())
	require.Equal(t, []time.Duration{60 * time.Second, 10 * time.Second}, h.sleeps)
	require.Equal(t, []string{"T1"}, h.mem.AnalysisRequests())
	require.Empty(t, h.steps())

	task, err := h.mem.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, "pve/301 (sandbox-01)", *task.SandboxLabel)

	require.Equal(t, "", h.reg.BoundTask("fresh"), "binding must be released after completion")
}

func TestBackfillAttributesEarlyTelemetry(t *testing.T) {
	h := newHarness(t)
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example"})

	h.reg.Register("S1", make(chan model.Command, 1), make(chan struct{}))
	// Start the run at the instant S1 connected so it qualifies.
	info, _ := h.reg.Get("S1")
	h.o.now = func() time.Time { return info.ConnectedAt }
	require.NoError(t, h.mem.InsertEvent(context.Background(), &model.TelemetryEvent{SessionID: "S1", EventType: "FILE_WRITE"}))

	require.Equal(t, model.TaskCompleted, h.o.Run(context.Background(), req))

	events, err := h.mem.EventsForTask(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestBindsSoonAfterAgentConnects(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.HandshakePoll = 200 * time.Millisecond
	h.o.cfg.HandshakeTimeout = 5 * time.Second
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example"})

	var registeredAt time.Time
	out := make(chan model.Command, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		registeredAt = time.Now()
		h.reg.Register("S1", out, make(chan struct{}))
	}()

	done := make(chan model.TaskStatus, 1)
	go func() { done <- h.o.Run(context.Background(), req) }()

	select {
	case <-out:
	case <-time.After(3 * time.Second):
		t.Fatal("detonation command never arrived")
	}
	require.Less(t, time.Since(registeredAt), 400*time.Millisecond)
	require.Equal(t, model.TaskCompleted, <-done)
}

func TestFileTaskSendsDownloadExec(t *testing.T) {
	h := newHarness(t)
	req := h.task(t, model.Task{ID: "T7", Kind: model.TaskKindFile, Filename: "invoice.pdf.exe"})
	out := h.connectAgent("S1", 10*time.Millisecond)

	require.Equal(t, model.TaskCompleted, h.o.Run(context.Background(), req))
	require.Equal(t, model.Command{
		Command:  model.CommandDownloadExec,
		URL:      "http://10.0.0.1:8080/samples/T7",
		Filename: "invoice.pdf.exe",
	}, <-out)
}

func TestPreRunRevertFailureDegradesToStop(t *testing.T) {
	h := newHarness(t)
	h.hv.revertErrs = []error{errors.New("snapshot clean not found")}
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example", DurationSec: 1})
	h.connectAgent("S1", 10*time.Millisecond)

	require.Equal(t, model.TaskCompleted, h.o.Run(context.Background(), req))
	require.Equal(t, []string{
		"list_nodes", "list_vms pve", "revert pve/301 clean", "stop pve/301", "start pve/301",
		"stop pve/301", "revert pve/301 clean",
	}, h.hv.Calls())
	require.Equal(t, []time.Duration{5 * time.Second, time.Second, 10 * time.Second}, h.sleeps)
	require.Equal(t, []Step{StepRevert}, h.steps())
}

func TestTeardownAndHandoffFailuresStillComplete(t *testing.T) {
	h := newHarness(t)
	h.o.analyzer = failingAnalyzer{}
	h.hv.revertErrs = []error{nil, errors.New("storage offline")}
	h.hv.powerErr = errors.New("vm locked")
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example"})
	h.connectAgent("S1", 10*time.Millisecond)

	require.Equal(t, model.TaskCompleted, h.o.Run(context.Background(), req))
	require.Equal(t, []Step{StepStart, StepStop, StepTeardownRevert, StepHandoff}, h.steps())

	h.mu.Lock()
	critical := h.failures[2]
	h.mu.Unlock()
	require.True(t, critical.Critical())
	require.ErrorContains(t, critical, "storage offline")

	task, err := h.mem.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, task.Status)
}

func TestManualVMSkipsDiscovery(t *testing.T) {
	h := newHarness(t)
	vmid := 777
	node := "pve2"
	req := h.task(t, model.Task{ID: "T1", Kind: model.TaskKindURL, URL: "http://evil.example", VMID: &vmid, Node: &node})
	h.connectAgent("S1", 10*time.Millisecond)

	require.Equal(t, model.TaskCompleted, h.o.Run(context.Background(), req))
	require.Equal(t, "revert pve2/777 clean", h.hv.Calls()[0])
}

func TestConcurrentRunsNeverShareASession(t *testing.T) {
	h := newHarness(t)
	h.hv.vms["pve"] = []hypervisor.VM{{ID: 301, Name: "sandbox-01"}, {ID: 302, Name: "sandbox-02"}}
	reqA := h.task(t, model.Task{ID: "A", Kind: model.TaskKindURL, URL: "http://a.example"})
	reqB := h.task(t, model.Task{ID: "B", Kind: model.TaskKindURL, URL: "http://b.example"})
	// Hold each binding long enough that a finished run cannot free its
	// session for the other one.
	h.o.sleep = func(time.Duration) { time.Sleep(100 * time.Millisecond) }
	out1 := h.connectAgent("S1", 20*time.Millisecond)
	out2 := h.connectAgent("S2", 40*time.Millisecond)

	var g errgroup.Group
	for _, req := range []Request{reqA, reqB} {
		g.Go(func() error {
			if status := h.o.Run(context.Background(), req); status != model.TaskCompleted {
				return fmt.Errorf("task %s ended %s", req.TaskID, status)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, out1, 1)
	require.Len(t, out2, 1)
	urls := map[string]bool{(<-out1).URL: true, (<-out2).URL: true}
	require.Equal(t, map[string]bool{"http://a.example": true, "http://b.example": true}, urls)

	labels := map[string]bool{}
	for _, id := range []string{"A", "B"} {
		task, err := h.mem.GetTask(context.Background(), id)
		require.NoError(t, err)
		labels[*task.SandboxLabel] = true
	}
	require.Len(t, labels, 2, "runs must not share a VM")
}
