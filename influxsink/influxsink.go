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

// Package influxsink writes process lifecycle points to InfluxDB: one
// point when a process starts, one when it exits (with its exit code and
// how long it ran), and one per finished command.
package influxsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000

	MeasurementProcess = "nodevisor_process"
	MeasurementCommand = "nodevisor_command"
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Sink is a nodevisor.EventSink that writes points asynchronously.  Write
// failures are reported to the error callback.
type Sink struct {
	client  influxdb2.Client
	writer  func(*write.Point)
	flush   func()
	onError func(error)
	mx      sync.RWMutex
}

// Connect pings the server and prepares a non-blocking write API.
func Connect(cfg config.InfluxDBConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := &Sink{
		client: client,
		writer: writeAPI.WritePoint,
		flush:  writeAPI.Flush,
	}
	go s.handleWriteErrors(writeAPI)
	return s, nil
}

func (s *Sink) handleWriteErrors(w api.WriteAPI) {
	for err := range w.Errors() {
		s.mx.RLock()
		cb := s.onError
		s.mx.RUnlock()
		if cb != nil {
			cb(err)
		}
	}
}

// SetOnError sets a callback for asynchronous write failures.
func (s *Sink) SetOnError(cb func(error)) {
	s.mx.Lock()
	s.onError = cb
	s.mx.Unlock()
}

// HandleEvent writes a point for lifecycle events and ignores the rest.
func (s *Sink) HandleEvent(ev nodevisor.Event) error {
	if p := Point(ev); p != nil {
		s.writer(p)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	if s.flush != nil {
		s.flush()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// Point converts ev to a point, or returns nil if ev is not recorded.
func Point(ev nodevisor.Event) *write.Point {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Type {
	case nodevisor.EventProcessStarted, nodevisor.EventProcessExited:
		p := ev.Process
		if p == nil {
			return nil
		}
		event := "start"
		fields := map[string]interface{}{
			"pid": p.Pid,
		}
		if ev.Type == nodevisor.EventProcessExited {
			event = "exit"
			fields["exit_code"] = ev.ExitCode
			if !p.StartTime.IsZero() {
				fields["runtime_seconds"] = at.Sub(p.StartTime).Seconds()
			}
		}
		return write.NewPoint(MeasurementProcess,
			map[string]string{
				"event":     event,
				"id":        p.Id,
				"main_file": p.MainFile,
				"project":   p.ProjectPath,
				"default":   fmt.Sprint(p.Default),
			},
			fields, at)

	case nodevisor.EventSpawnFailed:
		tags := map[string]string{"event": "failed"}
		if ev.Process != nil {
			tags["main_file"] = ev.Process.MainFile
			tags["project"] = ev.Process.ProjectPath
		}
		return write.NewPoint(MeasurementProcess, tags,
			map[string]interface{}{"error": ev.Error}, at)

	case nodevisor.EventCommandFinished:
		return write.NewPoint(MeasurementCommand,
			map[string]string{"dir": ev.Dir},
			map[string]interface{}{
				"command":   ev.Command,
				"exit_code": ev.ExitCode,
			}, at)
	}
	return nil
}
