// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// MemoryInfo reports the supervisor's own memory use, in bytes.
type MemoryInfo struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	Sys       uint64 `json:"sys"`
}

// SystemInfo describes the host the supervisor runs on.
type SystemInfo struct {
	NodeVersion string     `json:"nodeVersion"`
	NpmVersion  string     `json:"npmVersion"`
	Platform    string     `json:"platform"`
	Arch        string     `json:"arch"`
	Hostname    string     `json:"hostname"`
	Uptime      float64    `json:"uptime"` // seconds since the supervisor started
	Memory      MemoryInfo `json:"memory"`
	Processes   int        `json:"processes"`
}

type toolVersions struct {
	node string
	npm  string
	once sync.Once
}

// versionTimeout bounds each probe of an external tool's version.
const versionTimeout = 5 * time.Second

func probeVersion(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()
	out, e := exec.CommandContext(ctx, name, "--version").Output()
	if e != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SystemInfo returns a fresh description of the host.  Tool versions are
// probed once and remembered.
func (s *Supervisor) SystemInfo() SystemInfo {
	s.versions.once.Do(func() {
		s.versions.node = probeVersion(s.cfg.Node)
		if len(s.cfg.Install) > 0 {
			s.versions.npm = probeVersion(s.cfg.Install[0])
		}
	})
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	host, _ := os.Hostname()
	return SystemInfo{
		NodeVersion: s.versions.node,
		NpmVersion:  s.versions.npm,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		Hostname:    host,
		Uptime:      time.Since(s.created).Seconds(),
		Memory: MemoryInfo{
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
			Sys:       ms.Sys,
		},
		Processes: s.reg.Len(),
	}
}
