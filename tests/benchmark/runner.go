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
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"detonationworker/src/agentwire"
	"detonationworker/src/model"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks int            `json:"total_tasks"`
	ByStatus   map[string]int `json:"by_status"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	tasks := flag.Int("tasks", 5, "Number of URL tasks to submit")
	agents := flag.Int("agents", 5, "Number of simulated agents to connect (0 = rely on real agents)")
	agentDelay := flag.Duration("agent_delay", 3*time.Second, "Delay before each simulated agent connects")
	duration := flag.Int("duration", 10, "Analysis window per task in seconds")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	flag.Parse()

	_ = godotenv.Load("../../.env")
	apiPort := os.Getenv("API_PORT")
	if apiPort == "" {
		apiPort = "8080"
	}
	agentAddr := os.Getenv("AGENT_LISTEN_ADDR")
	if agentAddr == "" {
		agentAddr = ":9999"
	}
	if agentAddr[0] == ':' {
		agentAddr = *apiHost + agentAddr
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, apiPort)

	fmt.Printf("\n%s%s >> DETONATION BENCHMARK: %d tasks, %d agents <<%s\n", colorCyan, colorBold, *tasks, *agents, colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	for i := 0; i < *tasks; i++ {
		body, _ := json.Marshal(map[string]any{"url": fmt.Sprintf("http://benchmark.invalid/%d", i), "duration_sec": *duration})
		resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("%s[ERR]%s Failed to submit task: %v\n", colorRed, colorReset, err)
			os.Exit(1)
		}
		resp.Body.Close()
	}
	fmt.Printf("%s[OK]%s %d tasks submitted.\n\n", colorGreen, colorReset, *tasks)

	var wg sync.WaitGroup
	for i := 0; i < *agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			time.Sleep(*agentDelay)
			if err := simulateAgent(agentAddr, fmt.Sprintf("bench-agent-%02d", n)); err != nil {
				fmt.Printf("\n%s[ERR]%s agent %d: %v\n", colorRed, colorReset, n, err)
			}
		}(i)
	}

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "ACTIVE", colorReset)
	fmt.Println(colorGray + "----------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-34s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		completed := stats.ByStatus["Completed"] - initialStats.ByStatus["Completed"]
		failed := failures(stats) - failures(initialStats)
		active := stats.TotalTasks - initialStats.TotalTasks - completed - failed

		statusColor := colorGreen
		if failed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %-10d", elapsed,
			colorGreen, completed, colorReset, statusColor, failed, colorReset, active)

		if completed+failed >= *tasks {
			fmt.Printf("\n%s----------------------------------------------%s\n", colorGray, colorReset)
			printReport(completed, failed, time.Since(startTime))
			break
		}
	}
	wg.Wait()
}

func failures(stats GlobalStats) int {
	return stats.ByStatus["FailedNoVM"] + stats.ByStatus["FailedAgentTimeout"]
}

// simulateAgent speaks the agent protocol: it announces a hostname, waits for
// one detonation command, streams a little telemetry and disconnects.
func simulateAgent(addr, hostname string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(map[string]string{"event_type": model.HelloEventType, "details": hostname}); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return err
		}
		cmd, err := agentwire.DecodeCommand(line)
		if err != nil {
			continue
		}
		if cmd.Command != model.CommandExecURL && cmd.Command != model.CommandDownloadExec {
			continue
		}
		for i, ev := range []string{"PROCESS_CREATE", "NET_CONNECT", "REG_SET", "FILE_WRITE"} {
			if err := enc.Encode(map[string]any{
				"event_type":        ev,
				"process_id":        4000 + i,
				"parent_process_id": 4000,
				"process_name":      "payload.exe",
				"details":           cmd.URL,
				"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(completed, failed int, duration time.Duration) {
	total := completed + failed
	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset + "\n"
	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	fmt.Printf(lineFmt, "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(lineFmt, "  - Completed:", fmt.Sprintf("%d", completed))
	fmt.Printf(lineFmt, "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt, "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt, "Throughput:", fmt.Sprintf("%.2f tasks/min", float64(total)/duration.Minutes()))
	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
