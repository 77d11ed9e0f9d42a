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
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"detonationworker/src/agentwire"
	"detonationworker/src/config"
	"detonationworker/src/hypervisor"
	"detonationworker/src/logging"
	"detonationworker/src/orchestrator"
	"detonationworker/src/processor"
	"detonationworker/src/registry"
	"detonationworker/src/store"
	"detonationworker/src/telemetry"
)

func main() {
	cfg := config.Load()

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	logging.InitializeFloatCounter("orchestrator_runs_total", "Total number of orchestration runs started", "Task")
	logging.InitializeFloatCounter("orchestrator_runs_completed", "Number of runs that reached Completed", "Task")
	logging.InitializeFloatCounter("orchestrator_runs_failed", "Number of runs that ended in a failure state", "Task")
	logging.InitializeFloatCounter("orchestrator_step_failures", "Collaborator failures observed during runs", "Error")
	logging.InitializeFloatCounter("telemetry_events_ingested", "Telemetry events persisted", "Event")
	logging.InitializeFloatCounter("telemetry_events_dropped", "Telemetry events dropped by the noise filter", "Event")
	logging.InitializeFloatCounter("agent_sessions_accepted", "Agent connections accepted", "Session")
	logging.InitializeFloatCounter("worker_database_failures", "Number of database failures in the worker", "Error")

	// Generate Unique ID
	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting worker with UUID: %s", workerID), slog.LevelInfo)
	workerstats := logging.NewWorkerStats(workerID)

	st, wake := openStore(ctx, cfg)

	hv, closeHV := openHypervisor(ctx, cfg)
	defer closeHV()

	sessions := registry.New()
	filter := telemetry.NewNoiseFilter(append(append([]string{}, telemetry.DefaultNoiseProcesses...), cfg.ExtraNoiseProcesses...)...)
	correlator := telemetry.NewCorrelator(sessions, st, filter)

	agents := agentwire.NewListener(cfg.AgentListenAddr, sessions, correlator)
	if err := agents.Listen(); err != nil {
		panic(fmt.Sprintf("failed to listen for agents on %s: %v", cfg.AgentListenAddr, err))
	}
	go func() {
		if err := agents.Serve(ctx); err != nil {
			logging.Log(fmt.Sprintf("Agent listener stopped: %v", err), slog.LevelError)
		}
	}()

	if cfg.Orchestrator.SampleBaseURL == "" {
		logging.Log("SAMPLE_BASE_URL not set; file submissions will be refused", slog.LevelWarn)
	}
	orch := orchestrator.New(cfg.Orchestrator, hv, sessions, st, correlator, st)
	dispatcher := processor.NewDispatcher(st, orch, workerID, workerstats, cfg.MaxConcurrentRuns)

	go func() {
		if err := StartAPIServer(ctx, cfg.APIPort, NewAPIServer(st, sessions, workerstats, cfg.SampleDir, cfg.Orchestrator.SampleBaseURL)); err != nil {
			logging.Log(err.Error(), slog.LevelError)
		}
	}()

	// Setup a Timer for checking the task (Fall-back polling)
	ticker := time.NewTicker(cfg.PollingInterval)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for tasks (notifications + fallback polling)...", slog.LevelInfo)

	// Initial check
	dispatcher.RecoverTasks(ctx)
	dispatcher.ProcessTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down worker; waiting for in-flight runs...", slog.LevelInfo)
			dispatcher.Wait()
			return
		case <-ticker.C:
			dispatcher.ProcessTasks(ctx)
		case <-wake:
			logging.Log("Received notification, checking for tasks...", slog.LevelInfo)
			dispatcher.RecoverTasks(ctx)
			dispatcher.ProcessTasks(ctx)
		}
	}
}

// openStore connects to Postgres when configured and falls back to the
// in-memory store otherwise. The returned channel fires on task submission.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, <-chan struct{}) {
	wake := make(chan struct{}, 1)
	signalWake := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	if !cfg.UseDatabase() {
		logging.Log("DB_HOST not set; using in-memory store", slog.LevelWarn)
		mem := store.NewMemory()
		mem.Submitted = make(chan string, 64)
		go func() {
			for range mem.Submitted {
				signalWake()
			}
		}()
		return mem, wake
	}

	connStr := store.ConnString(cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBHost, cfg.DBPort, cfg.DBSSLMode)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		panic(err)
	}
	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		panic(fmt.Sprintf("failed to prepare schema: %v", err))
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}
	listener, err := store.NewTaskListener(connStr, reportProblem)
	if err != nil {
		panic(err)
	}
	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				signalWake()
			}
		}
	}()
	return pg, wake
}

func openHypervisor(ctx context.Context, cfg *config.Config) (hypervisor.Hypervisor, func()) {
	switch cfg.Hypervisor {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			panic(fmt.Sprintf("failed to create docker client: %v", err))
		}
		backend := hypervisor.NewDocker(cli)
		networkID, err := backend.EnsureSandboxNetwork(ctx)
		if err != nil {
			panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
		}
		logging.Log(fmt.Sprintf("Sandbox network ready: %s", networkID), slog.LevelInfo)
		return hypervisor.NewRetrying(backend, cfg.HypervisorRetries, cfg.HypervisorBackoff), func() { cli.Close() }
	case "proxmox":
		if cfg.ProxmoxURL == "" {
			panic("PROXMOX_URL is required when HYPERVISOR=proxmox")
		}
		backend := hypervisor.NewProxmox(cfg.ProxmoxURL, cfg.ProxmoxTokenID, cfg.ProxmoxTokenSecret, cfg.ProxmoxInsecure)
		return hypervisor.NewRetrying(backend, cfg.HypervisorRetries, cfg.HypervisorBackoff), func() {}
	default:
		panic(fmt.Sprintf("unknown HYPERVISOR %q", cfg.Hypervisor))
	}
}
