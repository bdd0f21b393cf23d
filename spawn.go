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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"sh", "-c"}
}

// command builds an unstarted command running name with args in dir.
func command(name string, args []string, dir string, env []string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}

// exitCode extracts the exit status of a finished command.  It returns -1
// when the process was terminated by a signal or could not be waited on.
func exitCode(cmd *exec.Cmd, e error) int {
	if e != nil {
		var ee *exec.ExitError
		if !errors.As(e, &ee) {
			return -1
		}
	}
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func (s *Supervisor) hasManifest(dir string) bool {
	fi, e := os.Stat(filepath.Join(dir, s.cfg.Manifest))
	return e == nil && !fi.IsDir()
}

// install runs the dependency installer in dir, copying its output to the
// system log.  It blocks until the installer is done.
func (s *Supervisor) install(dir string) error {
	argv := s.cfg.Install
	s.syslog.Printf("Installing dependencies in %s", dir)
	s.logger.Info("installing dependencies", "dir", dir,
		"command", strings.Join(argv, " "))

	cmd := command(argv[0], argv[1:], dir, s.cfg.Env)
	op, e := attachOutput(cmd)
	if e != nil {
		return fmt.Errorf("%w: %v", ErrInternal, e)
	}
	if e = cmd.Start(); e != nil {
		op.abort()
		s.syslog.Printf("Failed to install dependencies!")
		return fmt.Errorf("%w: %v", ErrInstallFailed, e)
	}
	op.start(func(stream, chunk string) {
		s.bc.Log(SourceSystem, stream, chunk)
	}, s.logger)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case e = <-done:
	case <-s.ctx.Done():
		cmd.Process.Kill()
		e = <-done
	}
	op.drain(s.cfg.DrainTimeout)

	if e != nil {
		s.syslog.Printf("Failed to install dependencies!")
		s.logger.Warn("dependency install failed", "dir", dir, "error", e)
		return fmt.Errorf("%w: %v", ErrInstallFailed, e)
	}
	s.syslog.Printf("Dependencies installed successfully!")
	return nil
}
