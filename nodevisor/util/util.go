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

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"time"

	"github.com/gdamore/nodevisor/rest"
)

// Status is the one word state shown for a process.
func Status(p *rest.ProcessInfo) string {
	if p.Default && p.State == "running" {
		return "default"
	}
	return p.State
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// Uptime returns the process uptime, truncated to the second.
func Uptime(p *rest.ProcessInfo) time.Duration {
	d := time.Duration(p.Uptime * float64(time.Second))
	return d - d%time.Second
}

type sorted []rest.ProcessInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if a.Default != b.Default {
		// the default process goes first
		return a.Default
	}
	if a.ProjectPath != b.ProjectPath {
		return a.ProjectPath < b.ProjectPath
	}
	// Ids are issued in order, so older processes sort first.
	if len(a.Id) != len(b.Id) {
		return len(a.Id) < len(b.Id)
	}
	return a.Id < b.Id
}

func SortProcesses(items []rest.ProcessInfo) {
	sort.Sort(sorted(items))
}
