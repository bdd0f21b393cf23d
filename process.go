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
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle state of a supervised process.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateExited
)

func (st State) String() string {
	switch st {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// Process is the record of one spawned child.  The identity fields are
// fixed at creation.  Only the Supervisor changes the state, and only the
// Supervisor touches the underlying OS process.
type Process struct {
	id        string
	dir       string
	entry     string
	started   time.Time
	isDefault bool

	cmd      *exec.Cmd
	state    State
	exitCode int
	killer   *time.Timer
	done     chan struct{}
	mx       sync.Mutex
}

// ProcessInfo is a point-in-time view of a Process, suitable for JSON.
type ProcessInfo struct {
	Id          string    `json:"id"`
	ProjectPath string    `json:"projectPath"`
	MainFile    string    `json:"mainFile"`
	StartTime   time.Time `json:"startTime"`
	Uptime      float64   `json:"uptime"` // seconds
	State       string    `json:"state"`
	Pid         int       `json:"pid,omitempty"`
	ExitCode    int       `json:"exitCode"`
	Default     bool      `json:"default,omitempty"`
}

func newProcess(id, dir, entry string, isDefault bool) *Process {
	return &Process{
		id:        id,
		dir:       dir,
		entry:     entry,
		isDefault: isDefault,
		state:     StateStarting,
		exitCode:  -1,
		done:      make(chan struct{}),
	}
}

func (p *Process) Id() string {
	return p.id
}

// Dir is the absolute working directory the process was launched in.
func (p *Process) Dir() string {
	return p.dir
}

// EntryPoint is the script the process runs, relative to Dir.
func (p *Process) EntryPoint() string {
	return p.entry
}

func (p *Process) StartTime() time.Time {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.started
}

func (p *Process) State() State {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.state
}

// ExitCode is -1 until the process has exited, and also when it was
// terminated by a signal.
func (p *Process) ExitCode() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.exitCode
}

// Done is closed once the exit has been fully reconciled.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Pid() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *Process) Uptime() time.Duration {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.started.IsZero() || p.state == StateExited {
		return 0
	}
	return time.Since(p.started)
}

func (p *Process) Info() ProcessInfo {
	p.mx.Lock()
	defer p.mx.Unlock()
	info := ProcessInfo{
		Id:          p.id,
		ProjectPath: p.dir,
		MainFile:    p.entry,
		StartTime:   p.started,
		State:       p.state.String(),
		ExitCode:    p.exitCode,
		Default:     p.isDefault,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		info.Pid = p.cmd.Process.Pid
	}
	if !p.started.IsZero() && p.state != StateExited {
		info.Uptime = time.Since(p.started).Seconds()
	}
	return info
}

// setRunning records the live OS handle.
func (p *Process) setRunning(cmd *exec.Cmd) {
	p.mx.Lock()
	p.cmd = cmd
	p.started = time.Now()
	p.state = StateRunning
	p.mx.Unlock()
}

// beginStop moves the process to Stopping and sends SIGTERM.  It returns
// false if the process was already stopping or gone, in which case nothing
// is signalled.  If grace is positive, a SIGKILL follows if the process is
// still around when it expires.
func (p *Process) beginStop(grace time.Duration, logger Logger) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state != StateRunning && p.state != StateStarting {
		return false
	}
	p.state = StateStopping
	if p.cmd == nil || p.cmd.Process == nil {
		return true
	}
	proc := p.cmd.Process
	if e := proc.Signal(syscall.SIGTERM); e != nil && e != os.ErrProcessDone {
		logger.Warn("failed sending SIGTERM", "process", p.id, "error", e)
	}
	if grace > 0 {
		p.killer = time.AfterFunc(grace, func() {
			logger.Warn("graceful stop timed out, killing", "process", p.id)
			if e := proc.Kill(); e != nil && e != os.ErrProcessDone {
				logger.Warn("failed killing process", "process", p.id, "error", e)
			}
		})
	}
	return true
}

// kill forcibly terminates the process if it has not yet been reaped.
func (p *Process) kill() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state == StateExited || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.cmd.Process.Kill()
}

// setExited records the exit.  It is called exactly once, by the reaper.
func (p *Process) setExited(code int) {
	p.mx.Lock()
	p.state = StateExited
	p.exitCode = code
	if p.killer != nil {
		p.killer.Stop()
		p.killer = nil
	}
	p.mx.Unlock()
}
