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

// Package orchestrator drives one detonation task from VM selection to
// analysis handoff. A run never returns an error: every collaborator
// failure either degrades the run or ends it in an absorbing failure
// status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"detonationworker/src/hypervisor"
	"detonationworker/src/logging"
	"detonationworker/src/model"
)

var (
	ErrNoVM           = errors.New("no sandbox VM available")
	ErrAgentTimeout   = errors.New("no agent connected before the handshake timeout")
	errNoSampleSource = errors.New("file task without sample base URL")
)

type Config struct {
	SnapshotName     string
	VMIDMin, VMIDMax int
	NamePrefix       string
	HandshakePoll    time.Duration
	HandshakeTimeout time.Duration
	CollectGrace     time.Duration
	RevertPause      time.Duration
	// SampleBaseURL is where agents fetch file samples from, e.g.
	// http://10.0.0.1:8080. Samples live under /samples/<task id>.
	SampleBaseURL string
}

func DefaultConfig() Config {
	return Config{
		SnapshotName:     "clean",
		VMIDMin:          300,
		VMIDMax:          399,
		NamePrefix:       "sandbox",
		HandshakePoll:    2 * time.Second,
		HandshakeTimeout: 90 * time.Second,
		CollectGrace:     10 * time.Second,
		RevertPause:      5 * time.Second,
	}
}

// Sessions is the part of the session registry a run needs.
type Sessions interface {
	ClaimUnbound(since time.Time, taskID string) (model.SessionInfo, bool)
	Changed() <-chan struct{}
	SendTo(sessionID string, cmd model.Command) error
	ClearTask(sessionID string)
}

type TaskStore interface {
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	SetSandboxLabel(ctx context.Context, id, label string) error
	CompleteTask(ctx context.Context, id string, at time.Time) error
}

type Backfiller interface {
	Backfill(ctx context.Context, sessionID, taskID string) (int64, error)
}

type Analyzer interface {
	RequestAnalysis(ctx context.Context, taskID string) error
}

// Request describes one detonation.
type Request struct {
	TaskID   string
	Kind     model.TaskKind
	URL      string
	Filename string
	Duration time.Duration
	// VMID and Node pin the run to a specific machine. With only VMID set
	// the node is discovered.
	VMID *int
	Node string
}

func RequestFromTask(t *model.Task) Request {
	req := Request{
		TaskID:   t.ID,
		Kind:     t.Kind,
		URL:      t.URL,
		Filename: t.Filename,
		Duration: t.Duration(),
		VMID:     t.VMID,
	}
	if t.Node != nil {
		req.Node = *t.Node
	}
	return req
}

type Orchestrator struct {
	cfg      Config
	hv       hypervisor.Hypervisor
	sessions Sessions
	tasks    TaskStore
	events   Backfiller
	analyzer Analyzer

	// OnStepError observes every collaborator failure. Defaults to
	// LogStepError.
	OnStepError func(ctx context.Context, err *StepError)

	now   func() time.Time
	sleep func(time.Duration)

	leaseMu sync.Mutex
	leased  map[string]string // vm key -> task id
}

func New(cfg Config, hv hypervisor.Hypervisor, sessions Sessions, tasks TaskStore, events Backfiller, analyzer Analyzer) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		hv:          hv,
		sessions:    sessions,
		tasks:       tasks,
		events:      events,
		analyzer:    analyzer,
		OnStepError: LogStepError,
		now:         time.Now,
		sleep:       time.Sleep,
		leased:      make(map[string]string),
	}
}

type run struct {
	o    *Orchestrator
	req  Request
	span trace.Span
}

// Run executes the full lifecycle and returns the final status. It ignores
// cancellation of ctx; a started run always reaches a terminal status.
func (o *Orchestrator) Run(ctx context.Context, req Request) model.TaskStatus {
	ctx = context.WithoutCancel(ctx)
	ctx, span := logging.StartSpan(ctx, "orchestrate",
		attribute.String("task.id", req.TaskID), attribute.String("task.kind", string(req.Kind)))
	defer span.End()

	r := &run{o: o, req: req, span: span}
	status := r.execute(ctx)
	span.SetAttributes(attribute.String("task.status", status.String()))
	return status
}

func (r *run) execute(ctx context.Context) model.TaskStatus {
	o, req := r.o, r.req
	start := o.now()
	r.setStatus(ctx, model.TaskPreparing)

	vm, err := o.selectVM(ctx, req)
	if err != nil {
		r.report(ctx, StepSelectVM, err)
		return r.setStatus(ctx, model.TaskFailedNoVM)
	}
	defer o.release(vm, req.TaskID)
	logging.Log(fmt.Sprintf("Task %s assigned to %s", req.TaskID, vm.Label()), slog.LevelInfo)
	if err := o.tasks.SetSandboxLabel(ctx, req.TaskID, vm.Label()); err != nil {
		r.report(ctx, StepPersist, err)
	}

	r.setStatus(ctx, model.TaskReverting)
	if err := o.hv.RevertSnapshot(ctx, vm.Node, vm.ID, o.cfg.SnapshotName); err != nil {
		r.report(ctx, StepRevert, err)
		if err := o.hv.SetPower(ctx, vm.Node, vm.ID, hypervisor.PowerStop); err != nil {
			r.report(ctx, StepStop, err)
		}
		o.sleep(o.cfg.RevertPause)
	}

	r.setStatus(ctx, model.TaskStartingVM)
	if err := o.hv.SetPower(ctx, vm.Node, vm.ID, hypervisor.PowerStart); err != nil {
		r.report(ctx, StepStart, err)
	}

	r.setStatus(ctx, model.TaskWaitingForAgent)
	session, ok := o.awaitAgent(req.TaskID, start)
	if !ok {
		// The VM is left running for inspection.
		r.report(ctx, StepHandshake, fmt.Errorf("%w (%s)", ErrAgentTimeout, o.cfg.HandshakeTimeout))
		return r.setStatus(ctx, model.TaskFailedAgentTimeout)
	}
	logging.Log(fmt.Sprintf("Task %s bound to agent session %s", req.TaskID, session.ID), slog.LevelInfo)
	logging.UpdateSpanValue(ctx, "handshake.seconds", o.now().Sub(start).Seconds())
	rows, err := o.events.Backfill(ctx, session.ID, req.TaskID)
	if err != nil {
		r.report(ctx, StepBackfill, err)
	}
	logging.UpdateSpanValue(ctx, "backfill.rows", float64(rows))

	r.setStatus(ctx, model.TaskDetonating)
	cmd, err := o.detonationCommand(req)
	if err == nil {
		err = o.sessions.SendTo(session.ID, cmd)
	}
	if err != nil {
		r.report(ctx, StepDetonate, err)
	}

	r.setStatus(ctx, model.TaskRunning)
	o.sleep(req.Duration)

	r.setStatus(ctx, model.TaskCollecting)
	o.sleep(o.cfg.CollectGrace)

	r.setStatus(ctx, model.TaskStoppingVM)
	if err := o.hv.SetPower(ctx, vm.Node, vm.ID, hypervisor.PowerStop); err != nil {
		r.report(ctx, StepStop, err)
	}
	if err := o.hv.RevertSnapshot(ctx, vm.Node, vm.ID, o.cfg.SnapshotName); err != nil {
		r.report(ctx, StepTeardownRevert, err)
	}

	if err := o.analyzer.RequestAnalysis(ctx, req.TaskID); err != nil {
		r.report(ctx, StepHandoff, err)
	}

	if err := o.tasks.CompleteTask(ctx, req.TaskID, o.now()); err != nil {
		r.report(ctx, StepPersist, err)
	}
	r.span.AddEvent(model.TaskCompleted.String())
	o.sessions.ClearTask(session.ID)
	logging.Log(fmt.Sprintf("Task %s completed", req.TaskID), slog.LevelInfo)
	return model.TaskCompleted
}

func (r *run) setStatus(ctx context.Context, status model.TaskStatus) model.TaskStatus {
	r.span.AddEvent(status.String())
	if err := r.o.tasks.UpdateTaskStatus(ctx, r.req.TaskID, status); err != nil {
		r.report(ctx, StepPersist, fmt.Errorf("set status %s: %w", status, err))
	}
	return status
}

func (r *run) report(ctx context.Context, step Step, err error) {
	r.span.RecordError(err, trace.WithAttributes(attribute.String("step", string(step))))
	if r.o.OnStepError != nil {
		r.o.OnStepError(ctx, &StepError{TaskID: r.req.TaskID, Step: step, Err: err})
	}
}

// selectVM honours a manual pin, otherwise picks the first free VM whose id
// is in the reserved range or whose name follows the sandbox convention.
func (o *Orchestrator) selectVM(ctx context.Context, req Request) (hypervisor.VM, error) {
	if req.VMID != nil && req.Node != "" {
		vm := hypervisor.VM{ID: *req.VMID, Node: req.Node}
		if !o.lease(vm, req.TaskID) {
			return hypervisor.VM{}, fmt.Errorf("%w: %s is busy", ErrNoVM, vm.Label())
		}
		return vm, nil
	}

	nodes, err := o.hv.ListNodes(ctx)
	if err == nil && len(nodes) == 0 {
		err = hypervisor.ErrNoNodes
	}
	if err != nil {
		return hypervisor.VM{}, fmt.Errorf("%w: %w", ErrNoVM, err)
	}
	for _, node := range nodes {
		vms, err := o.hv.ListVMs(ctx, node)
		if err != nil {
			logging.Log(fmt.Sprintf("Skipping node %s: %v", node, err), slog.LevelWarn)
			continue
		}
		for _, vm := range vms {
			vm.Node = node
			if req.VMID != nil {
				if vm.ID != *req.VMID {
					continue
				}
			} else if !o.isSandbox(vm) {
				continue
			}
			if o.lease(vm, req.TaskID) {
				return vm, nil
			}
		}
	}
	return hypervisor.VM{}, ErrNoVM
}

func (o *Orchestrator) isSandbox(vm hypervisor.VM) bool {
	if vm.ID >= o.cfg.VMIDMin && vm.ID <= o.cfg.VMIDMax {
		return true
	}
	return o.cfg.NamePrefix != "" && strings.HasPrefix(strings.ToLower(vm.Name), strings.ToLower(o.cfg.NamePrefix))
}

func vmKey(vm hypervisor.VM) string {
	return fmt.Sprintf("%s/%d", vm.Node, vm.ID)
}

// lease keeps concurrent runs in this worker off the same machine.
func (o *Orchestrator) lease(vm hypervisor.VM, taskID string) bool {
	o.leaseMu.Lock()
	defer o.leaseMu.Unlock()
	if holder, ok := o.leased[vmKey(vm)]; ok && holder != taskID {
		return false
	}
	o.leased[vmKey(vm)] = taskID
	return true
}

func (o *Orchestrator) release(vm hypervisor.VM, taskID string) {
	o.leaseMu.Lock()
	defer o.leaseMu.Unlock()
	if o.leased[vmKey(vm)] == taskID {
		delete(o.leased, vmKey(vm))
	}
}

// awaitAgent claims the first unbound session accepted at or after since.
// It polls at HandshakePoll and also wakes whenever the registry changes.
func (o *Orchestrator) awaitAgent(taskID string, since time.Time) (model.SessionInfo, bool) {
	deadline := o.now().Add(o.cfg.HandshakeTimeout)
	poll := o.cfg.HandshakePoll
	if poll <= 0 {
		poll = time.Second
	}
	for {
		changed := o.sessions.Changed()
		if s, ok := o.sessions.ClaimUnbound(since, taskID); ok {
			return s, true
		}
		remaining := deadline.Sub(o.now())
		if remaining <= 0 {
			return model.SessionInfo{}, false
		}
		timer := time.NewTimer(min(poll, remaining))
		select {
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (o *Orchestrator) detonationCommand(req Request) (model.Command, error) {
	if req.Kind == model.TaskKindURL {
		return model.Command{Command: model.CommandExecURL, URL: req.URL}, nil
	}
	if o.cfg.SampleBaseURL == "" {
		return model.Command{}, errNoSampleSource
	}
	fetch, err := url.JoinPath(o.cfg.SampleBaseURL, "samples", req.TaskID)
	if err != nil {
		return model.Command{}, err
	}
	return model.Command{Command: model.CommandDownloadExec, URL: fetch, Filename: req.Filename}, nil
}
