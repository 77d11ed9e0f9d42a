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

// Package registry tracks live agent sessions and the task each one is
// bound to. One Registry is shared by the wire listener and every
// orchestration run; its lock is only ever held for map operations.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"detonationworker/src/logging"
	"detonationworker/src/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBound    = errors.New("session already bound to a task")
	ErrSessionClosed   = errors.New("session closed")
)

type session struct {
	info model.SessionInfo
	out  chan<- model.Command
	done <-chan struct{}
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	changed  chan struct{}
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// WithClock replaces the clock used to stamp ConnectedAt.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Register adds a session. out receives commands for the connection; done
// must be closed by the owner when the connection goes away so senders
// never block on a dead session. Re-registering an id replaces the old
// entry and drops any binding it had.
func (r *Registry) Register(id string, out chan<- model.Command, done <-chan struct{}) model.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &session{
		info: model.SessionInfo{ID: id, ConnectedAt: r.now()},
		out:  out,
		done: done,
	}
	r.sessions[id] = s
	r.notifyLocked()
	return s.info
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// SetHostname records the hostname an agent announced.
func (r *Registry) SetHostname(id, hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.info.Hostname = hostname
	return nil
}

// BindTask attaches taskID to the session. It returns ErrSessionNotFound if
// the session disconnected and ErrSessionBound if another task holds it.
// Binding the same task twice is a no-op.
func (r *Registry) BindTask(sessionID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.info.TaskID != "" && s.info.TaskID != taskID {
		return fmt.Errorf("%w: %s holds %s", ErrSessionBound, s.info.TaskID, sessionID)
	}
	s.info.TaskID = taskID
	return nil
}

func (r *Registry) ClearTask(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if s.info.TaskID != "" {
		s.info.TaskID = ""
		r.notifyLocked()
	}
}

// BoundTask returns the task currently bound to the session, or "".
func (r *Registry) BoundTask(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.info.TaskID
	}
	return ""
}

// FindUnboundSessionConnectedAfter returns the earliest connected session
// with no bound task whose ConnectedAt is not before since.
func (r *Registry) FindUnboundSessionConnectedAfter(since time.Time) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findUnboundLocked(since)
	if s == nil {
		return model.SessionInfo{}, false
	}
	return s.info, true
}

// ClaimUnbound finds and binds in one critical section, so two callers can
// never receive the same session.
func (r *Registry) ClaimUnbound(since time.Time, taskID string) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findUnboundLocked(since)
	if s == nil {
		return model.SessionInfo{}, false
	}
	s.info.TaskID = taskID
	return s.info, true
}

func (r *Registry) findUnboundLocked(since time.Time) *session {
	var best *session
	for _, s := range r.sessions {
		if s.info.TaskID != "" || s.info.ConnectedAt.Before(since) {
			continue
		}
		if best == nil || s.info.ConnectedAt.Before(best.info.ConnectedAt) ||
			(s.info.ConnectedAt.Equal(best.info.ConnectedAt) && s.info.ID < best.info.ID) {
			best = s
		}
	}
	return best
}

// FindByHostname matches case-insensitively. When an agent has reconnected
// before its old socket was reaped, the newest session wins.
func (r *Registry) FindByHostname(name string) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *session
	for _, s := range r.sessions {
		if s.info.Hostname == "" || !strings.EqualFold(s.info.Hostname, name) {
			continue
		}
		if best == nil || s.info.ConnectedAt.After(best.info.ConnectedAt) ||
			(s.info.ConnectedAt.Equal(best.info.ConnectedAt) && s.info.ID > best.info.ID) {
			best = s
		}
	}
	if best == nil {
		return model.SessionInfo{}, false
	}
	return best.info, true
}

func (r *Registry) Get(id string) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.SessionInfo{}, false
	}
	return s.info, true
}

// List returns all sessions ordered by connection time.
func (r *Registry) List() []model.SessionInfo {
	r.mu.Lock()
	out := make([]model.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// SendTo queues cmd on the session's outbound channel. Unknown sessions are
// logged and reported as ErrSessionNotFound.
func (r *Registry) SendTo(id string, cmd model.Command) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		logging.Log(fmt.Sprintf("Dropping %s command for unknown session %s", cmd.Command, id), slog.LevelWarn)
		return ErrSessionNotFound
	}
	return deliver(s, cmd)
}

// Broadcast queues cmd on every live session and returns how many accepted it.
func (r *Registry) Broadcast(cmd model.Command) int {
	r.mu.Lock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	sent := 0
	for _, s := range targets {
		if err := deliver(s, cmd); err != nil {
			logging.Log(fmt.Sprintf("Broadcast %s to %s failed: %v", cmd.Command, s.info.ID, err), slog.LevelWarn)
			continue
		}
		sent++
	}
	return sent
}

func deliver(s *session, cmd model.Command) error {
	select {
	case s.out <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Changed returns a channel that is closed the next time a session registers
// or a binding is released.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
