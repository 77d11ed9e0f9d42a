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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"detonationworker/src/logging"
	"detonationworker/src/orchestrator"
)

type Config struct {
	DBUser, DBPassword, DBName, DBHost, DBPort, DBSSLMode string

	AgentListenAddr string
	APIPort         string

	Hypervisor          string
	ProxmoxURL          string
	ProxmoxTokenID      string
	ProxmoxTokenSecret  string
	ProxmoxInsecure     bool
	HypervisorRetries   int
	HypervisorBackoff   time.Duration
	Orchestrator        orchestrator.Config
	MaxConcurrentRuns   int
	PollingInterval     time.Duration
	SampleDir           string
	ExtraNoiseProcesses []string
}

// UseDatabase reports whether Postgres is configured.
func (c *Config) UseDatabase() bool {
	return c.DBHost != ""
}

// Load reads .env when present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Log(fmt.Sprintf("Warning: failed to load .env: %v", err), slog.LevelWarn)
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) *Config {
	e := env{getenv}
	orch := orchestrator.DefaultConfig()
	orch.SnapshotName = e.str("SANDBOX_SNAPSHOT", orch.SnapshotName)
	orch.VMIDMin = e.integer("SANDBOX_VMID_MIN", orch.VMIDMin)
	orch.VMIDMax = e.integer("SANDBOX_VMID_MAX", orch.VMIDMax)
	orch.NamePrefix = e.str("SANDBOX_NAME_PREFIX", orch.NamePrefix)
	orch.HandshakePoll = e.duration("HANDSHAKE_POLL", orch.HandshakePoll)
	orch.HandshakeTimeout = e.duration("HANDSHAKE_TIMEOUT", orch.HandshakeTimeout)
	orch.CollectGrace = e.duration("COLLECT_GRACE", orch.CollectGrace)
	orch.RevertPause = e.duration("REVERT_PAUSE", orch.RevertPause)
	orch.SampleBaseURL = e.str("SAMPLE_BASE_URL", "")

	var extra []string
	for _, name := range strings.Split(e.str("NOISE_PROCESSES", ""), ",") {
		if name = strings.TrimSpace(name); name != "" {
			extra = append(extra, name)
		}
	}

	return &Config{
		DBUser:              e.str("DB_USER", ""),
		DBPassword:          e.str("DB_PASSWORD", ""),
		DBName:              e.str("DB_NAME", ""),
		DBHost:              e.str("DB_HOST", ""),
		DBPort:              e.str("DB_PORT", "5432"),
		DBSSLMode:           e.str("DB_SSLMODE", "require"),
		AgentListenAddr:     e.str("AGENT_LISTEN_ADDR", ":9999"),
		APIPort:             e.str("API_PORT", "8080"),
		Hypervisor:          strings.ToLower(e.str("HYPERVISOR", "proxmox")),
		ProxmoxURL:          e.str("PROXMOX_URL", ""),
		ProxmoxTokenID:      e.str("PROXMOX_TOKEN_ID", ""),
		ProxmoxTokenSecret:  e.str("PROXMOX_TOKEN_SECRET", ""),
		ProxmoxInsecure:     e.boolean("PROXMOX_INSECURE", false),
		HypervisorRetries:   e.integer("HYPERVISOR_RETRIES", 3),
		HypervisorBackoff:   e.duration("HYPERVISOR_BACKOFF", 2*time.Second),
		Orchestrator:        orch,
		MaxConcurrentRuns:   e.integer("MAX_CONCURRENT_RUNS", 4),
		PollingInterval:     e.duration("POLLING_INTERVAL", 5*time.Second),
		SampleDir:           e.str("SAMPLE_DIR", "samples"),
		ExtraNoiseProcesses: extra,
	}
}

type env struct {
	get func(string) string
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %d: %v", key, v, def, err), slog.LevelWarn)
		return def
	}
	return n
}

func (e env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %t: %v", key, v, def, err), slog.LevelWarn)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (e env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %s: %v", key, v, def, err), slog.LevelWarn)
		return def
	}
	return d
}
