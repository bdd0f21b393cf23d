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
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Runner executes one-off shell commands within the root.  Commands are
// not tracked as processes and cannot be stopped; they run to completion,
// time out, or are abandoned when the supervisor shuts down.  Their output
// is published with the command source.
type Runner struct {
	root    string
	shell   []string
	timeout time.Duration
	bc      *Broadcaster
	logger  Logger
	ctx     context.Context
	wg      sync.WaitGroup
}

func newRunner(ctx context.Context, root string, shell []string, timeout time.Duration, bc *Broadcaster) *Runner {
	return &Runner{
		root:    root,
		shell:   shell,
		timeout: timeout,
		bc:      bc,
		logger:  noopLogger{},
		ctx:     ctx,
	}
}

// Run validates the request and starts the command in the background.  A
// nil return only means the command was accepted; the outcome is reported
// through the log and a command-finished event.
func (r *Runner) Run(command, cwd string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrEmptyCommand
	}
	dir, e := ResolvePath(r.root, cwd)
	if e != nil {
		return e
	}
	if fi, e := os.Stat(dir); e != nil || !fi.IsDir() {
		return fmt.Errorf("%w: directory %s", ErrNotFound, dir)
	}
	if r.ctx.Err() != nil {
		return ErrShutdown
	}

	r.bc.Log(SourceCommand, "", "$ "+command+"\n")
	r.logger.Info("running command", "command", command, "dir", dir)

	r.wg.Add(1)
	go r.execute(command, dir)
	return nil
}

func (r *Runner) execute(line, dir string) {
	defer r.wg.Done()

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.shell[1:]...), line)
	cmd := command(r.shell[0], args, dir, nil)
	op, e := attachOutput(cmd)
	if e != nil {
		r.finish(line, dir, -1, e)
		return
	}
	if e = cmd.Start(); e != nil {
		op.abort()
		r.finish(line, dir, -1, e)
		return
	}
	op.start(func(stream, chunk string) {
		r.bc.Log(SourceCommand, stream, chunk)
	}, r.logger)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case e = <-done:
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		e = ctx.Err()
	}
	op.drain(time.Second)
	r.finish(line, dir, exitCode(cmd, e), e)
}

func (r *Runner) finish(command, dir string, code int, e error) {
	ev := Event{
		Type:     EventCommandFinished,
		Command:  command,
		Dir:      dir,
		ExitCode: code,
	}
	if e != nil {
		r.bc.Log(SourceCommand, "", "Error: "+e.Error()+"\n")
		ev.Error = e.Error()
		r.logger.Warn("command failed", "command", command, "error", e)
	}
	r.bc.Publish(ev)
}

// wait blocks until every command started so far has finished.
func (r *Runner) wait() {
	r.wg.Wait()
}
