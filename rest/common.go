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

package rest

import (
	"github.com/gdamore/nodevisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader ask the server to hold a request
	// for log records until they change from the given etag, for up to
	// the given number of seconds.  The etag and wait query parameters do
	// the same thing.
	PollEtagHeader = "X-Nodevisor-Poll-Etag"
	PollTimeHeader = "X-Nodevisor-Poll-Time"

	// MaxPollTime caps how long a long poll is held, in seconds.
	MaxPollTime = 300
)

// Result is the body of a successful control operation.
type Result struct {
	Success   bool   `json:"success"`
	ProcessId string `json:"processId,omitempty"`
}

var ok = Result{Success: true}

// RunRequest names a project to start, stop or restart.  MainFile may be
// empty to use the startup configuration.
type RunRequest struct {
	ProjectPath string `json:"projectPath"`
	MainFile    string `json:"mainFile"`
}

// ExecuteRequest is a one-off shell command.
type ExecuteRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// LogRecord is the wire form of a log record.
type LogRecord = nodevisor.LogRecord

// ProcessInfo is the wire form of a process.
type ProcessInfo = nodevisor.ProcessInfo

// Health is the body of the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Default     string `json:"default"`
	Processes   int    `json:"processes"`
	Subscribers int    `json:"subscribers"`
	LiveClients int    `json:"liveClients"`
}

// Error is the body of every failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
