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
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// outputBufferSize is the largest chunk read from a child in one go.
const outputBufferSize = 4096

// outputPipes owns the stdout and stderr pipes of a child.  Because the
// write ends are plain files, Wait does not block on them, and the exit of
// a process is seen even if a grandchild keeps the pipe open.
type outputPipes struct {
	names   []string
	readers []*os.File
	writers []*os.File
	wg      sync.WaitGroup
}

// attachOutput creates pipes and connects them to cmd.  It must be called
// before cmd.Start.
func attachOutput(cmd *exec.Cmd) (*outputPipes, error) {
	op := &outputPipes{}
	for _, name := range []string{"stdout", "stderr"} {
		r, w, e := os.Pipe()
		if e != nil {
			op.abort()
			return nil, e
		}
		op.names = append(op.names, name)
		op.readers = append(op.readers, r)
		op.writers = append(op.writers, w)
	}
	cmd.Stdout = op.writers[0]
	cmd.Stderr = op.writers[1]
	return op, nil
}

// start closes our copies of the write ends and begins reading.  Each
// stream gets its own goroutine, so chunks from one stream are emitted in
// the order they were produced.
func (op *outputPipes) start(emit func(stream, chunk string), logger Logger) {
	for _, w := range op.writers {
		w.Close()
	}
	op.writers = nil
	for i, r := range op.readers {
		op.wg.Add(1)
		go op.read(op.names[i], r, emit, logger)
	}
}

func (op *outputPipes) read(stream string, r *os.File, emit func(string, string), logger Logger) {
	defer op.wg.Done()
	defer r.Close()
	buf := make([]byte, outputBufferSize)
	for {
		n, e := r.Read(buf)
		if n > 0 {
			emit(stream, string(buf[:n]))
		}
		if e != nil {
			if !errors.Is(e, io.EOF) && !errors.Is(e, os.ErrClosed) {
				logger.Warn("output stream failed", "stream", stream, "error", e)
			}
			return
		}
	}
}

// drain waits for the readers to reach EOF.  If that takes longer than
// grace, the read ends are closed so the readers give up.
func (op *outputPipes) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	for _, r := range op.readers {
		r.Close()
	}
	<-done
}

// abort releases every pipe, for when the command never started.
func (op *outputPipes) abort() {
	for _, f := range op.writers {
		f.Close()
	}
	for _, f := range op.readers {
		f.Close()
	}
}
