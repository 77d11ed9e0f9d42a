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

package telemetry

import (
	"strings"

	"detonationworker/src/model"
)

// DefaultNoiseProcesses are Windows processes that run on every sandbox
// regardless of the sample.
var DefaultNoiseProcesses = []string{
	"svchost.exe",
	"conhost.exe",
	"csrss.exe",
	"lsass.exe",
	"services.exe",
	"smss.exe",
	"wininit.exe",
	"winlogon.exe",
	"explorer.exe",
	"dwm.exe",
	"taskhostw.exe",
	"sihost.exe",
	"ctfmon.exe",
	"fontdrvhost.exe",
	"runtimebroker.exe",
	"searchindexer.exe",
	"searchhost.exe",
	"spoolsv.exe",
	"wmiprvse.exe",
	"audiodg.exe",
	"msmpeng.exe",
	"securityhealthservice.exe",
	"system",
	"registry",
	"idle",
}

// NoiseFilter drops events from denylisted process names. Registry changes
// are always kept.
type NoiseFilter struct {
	deny map[string]struct{}
}

func NewNoiseFilter(names ...string) *NoiseFilter {
	f := &NoiseFilter{deny: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			f.deny[n] = struct{}{}
		}
	}
	return f
}

// Drop reports whether ev should not be persisted.
func (f *NoiseFilter) Drop(ev *model.TelemetryEvent) bool {
	if ev.IsRegistryChange() {
		return false
	}
	_, noisy := f.deny[strings.ToLower(baseName(ev.ProcessName))]
	return noisy
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		return name[i+1:]
	}
	return name
}
