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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"detonationworker/src/logging"
	"detonationworker/src/model"
	"detonationworker/src/registry"
	"detonationworker/src/store"
)

const maxSampleSize = 256 << 20

// StatusResponse for JSON output
type StatusResponse struct {
	Worker   logging.StatusResponse `json:"worker"`
	Sessions []model.SessionInfo    `json:"sessions"`
}

type GlobalStats struct {
	TotalTasks int            `json:"total_tasks"`
	ByStatus   map[string]int `json:"by_status"`
}

type SubmitRequest struct {
	URL         string  `json:"url"`
	DurationSec int     `json:"duration_sec"`
	VMID        *int    `json:"vmid,omitempty"`
	Node        *string `json:"node,omitempty"`
}

type SubmitResponse struct {
	ID     string           `json:"id"`
	Status model.TaskStatus `json:"status"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store     store.Store
	sessions  *registry.Registry
	stats     *logging.WorkerStats
	sampleDir string
	// File tasks are refused when empty: agents would have nowhere to fetch the sample from.
	sampleBaseURL string
}

func NewAPIServer(st store.Store, sessions *registry.Registry, stats *logging.WorkerStats, sampleDir, sampleBaseURL string) *APIServer {
	return &APIServer{store: st, sessions: sessions, stats: stats, sampleDir: sampleDir, sampleBaseURL: sampleBaseURL}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	mux.HandleFunc("POST /tasks", s.submitHandler)
	mux.HandleFunc("GET /samples/{id}", s.sampleHandler)
	mux.HandleFunc("POST /sessions/broadcast", s.broadcastHandler)
	mux.HandleFunc("POST /sessions/by-hostname/{name}/command", s.hostnameCommandHandler)
	mux.HandleFunc("POST /sessions/{id}/command", s.sessionCommandHandler)

	return otelhttp.NewHandler(mux, "worker-api-server")
}

// StartAPIServer serves until ctx is cancelled, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Worker:   s.stats.GetStats(),
		Sessions: s.sessions.List(),
	})
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	gs := GlobalStats{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		gs.ByStatus[status.String()] = n
		gs.TotalTasks += n
	}
	writeJSON(w, http.StatusOK, gs)
}

// submitHandler accepts either a JSON URL task or a multipart file upload
// with a "sample" part.
func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	task := &model.Task{ID: uuid.New().String(), Status: model.TaskQueued, DurationSec: 120}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			http.Error(w, "expected JSON body with url", http.StatusBadRequest)
			return
		}
		task.Kind = model.TaskKindURL
		task.URL = req.URL
		task.VMID, task.Node = req.VMID, req.Node
		if req.DurationSec > 0 {
			task.DurationSec = req.DurationSec
		}
	} else {
		if s.sampleBaseURL == "" {
			http.Error(w, "file submissions disabled: SAMPLE_BASE_URL not configured", http.StatusServiceUnavailable)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSampleSize)
		file, header, err := r.FormFile("sample")
		if err != nil {
			http.Error(w, "expected multipart sample upload", http.StatusBadRequest)
			return
		}
		defer file.Close()
		if err := s.saveSample(task.ID, file); err != nil {
			logging.Log(fmt.Sprintf("Failed to store sample for %s: %v", task.ID, err), slog.LevelError)
			http.Error(w, "failed to store sample", http.StatusInternalServerError)
			return
		}
		task.Kind = model.TaskKindFile
		task.Filename = filepath.Base(header.Filename)
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		logging.Log(fmt.Sprintf("Failed to create task: %v", err), slog.LevelError)
		s.stats.DatabaseFailure()
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: task.ID, Status: task.Status})
}

func (s *APIServer) saveSample(id string, src io.Reader) error {
	if err := os.MkdirAll(s.sampleDir, 0o750); err != nil {
		return err
	}
	dst, err := os.OpenFile(filepath.Join(s.sampleDir, id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *APIServer) sampleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil || task.Kind != model.TaskKindFile {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.Filename))
	http.ServeFile(w, r, filepath.Join(s.sampleDir, filepath.Base(id)))
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (model.Command, bool) {
	var cmd model.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || !cmd.Command.Valid() {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return cmd, false
	}
	return cmd, true
}

func (s *APIServer) sendTo(w http.ResponseWriter, id string, cmd model.Command) {
	if err := s.sessions.SendTo(id, cmd); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session": id, "command": string(cmd.Command)})
}

func (s *APIServer) sessionCommandHandler(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	s.sendTo(w, r.PathValue("id"), cmd)
}

func (s *APIServer) hostnameCommandHandler(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	info, found := s.sessions.FindByHostname(r.PathValue("name"))
	if !found {
		http.Error(w, registry.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	s.sendTo(w, info.ID, cmd)
}

func (s *APIServer) broadcastHandler(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"sent": s.sessions.Broadcast(cmd)})
}
