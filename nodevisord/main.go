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

// Command nodevisord is the supervision daemon.  It serves the control
// API and live channel over HTTP, and stops every child it started when
// it is told to exit.
//
// The flags are
//
//	-c <file>	- configuration file (YAML), default none
//	-a <address>	- listen address, overrides the configuration
//	-d <dir>	- root directory, overrides the configuration
//	-s		- start the default process at once
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
	"github.com/gdamore/nodevisor/history"
	"github.com/gdamore/nodevisor/influxsink"
	"github.com/gdamore/nodevisor/logging"
	"github.com/gdamore/nodevisor/mqttsink"
	"github.com/gdamore/nodevisor/rest"
)

var version = "dev"

var cfgFile string = ""
var addr string = ""
var dir string = ""
var start bool = false

// shutdownTimeout bounds how long children get to exit at shutdown.
const shutdownTimeout = 10 * time.Second

// sinkDrainTimeout bounds how long sinks get to record the final events.
const sinkDrainTimeout = 5 * time.Second

func main() {
	flag.StringVar(&cfgFile, "c", cfgFile, "configuration file")
	flag.StringVar(&addr, "a", addr, "listen address")
	flag.StringVar(&dir, "d", dir, "root directory")
	flag.BoolVar(&start, "s", start, "start the default process")
	flag.Parse()

	if e := run(); e != nil {
		fmt.Fprintf(os.Stderr, "nodevisord: %v\n", e)
		os.Exit(1)
	}
}

func run() error {
	cfg, e := config.Load(cfgFile)
	if e != nil {
		return e
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dir != "" {
		cfg.Supervisor.Root = dir
	}
	if e := cfg.Validate(); e != nil {
		return e
	}

	logger := logging.New(cfg.Logging, version)
	logger.Info("starting nodevisord", "root", cfg.Supervisor.Root,
		"addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	s, e := nodevisor.NewSupervisor(cfg.SupervisorConfig())
	if e != nil {
		return e
	}
	s.SetLogger(logger)
	bc := s.Broadcaster()

	var sinks []*nodevisor.Attachment
	opts := rest.Options{
		Logger:       logger,
		WebSocket:    cfg.WebSocket,
		Auth:         cfg.Auth,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	if cfg.History.Enabled {
		store, e := history.Open(history.Config{
			Path:        cfg.History.Path,
			BusyTimeout: cfg.History.BusyTimeout,
		})
		if e != nil {
			return fmt.Errorf("opening history: %w", e)
		}
		defer store.Close()
		opts.History = store
		sinks = append(sinks, nodevisor.AttachSink(context.Background(), bc, "history", store, logger))
		logger.Info("run history enabled", "path", store.Path())
	}

	if cfg.MQTT.Enabled {
		// A broker that is down should not keep the panel from starting.
		if ms, e := mqttsink.Connect(cfg.MQTT); e != nil {
			logger.Error("mqtt connection failed", "host", cfg.MQTT.Host, "error", e)
		} else {
			defer ms.Close()
			sinks = append(sinks, nodevisor.AttachSink(context.Background(), bc, "mqtt", ms, logger))
			logger.Info("mqtt forwarding enabled", "host", cfg.MQTT.Host)
		}
	}

	if is, e := influxsink.Connect(cfg.InfluxDB); e == nil {
		is.SetOnError(func(e error) {
			logger.Warn("influxdb write failed", "error", e)
		})
		defer is.Close()
		sinks = append(sinks, nodevisor.AttachSink(context.Background(), bc, "influxdb", is, logger))
		logger.Info("influxdb enabled", "url", cfg.InfluxDB.URL)
	} else if !errors.Is(e, influxsink.ErrDisabled) {
		logger.Error("influxdb connection failed", "url", cfg.InfluxDB.URL, "error", e)
	}

	h := rest.NewHandler(s, opts)
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  cfg.GetIdleTimeout(),
	}
	l, e := net.Listen("tcp", cfg.Server.Addr)
	if e != nil {
		return e
	}
	if n := cfg.Server.MaxConnections; n > 0 {
		l = netutil.LimitListener(l, n)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(l)
	}()
	logger.Info("listening", "addr", l.Addr().String())

	if start {
		if _, e := s.StartDefault(); e != nil {
			logger.Error("default process failed to start", "error", e)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case e = <-errs:
		logger.Error("server failed", "error", e)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.Close()
	srv.Shutdown(sctx)
	if e := s.Shutdown(sctx); e != nil {
		logger.Warn("children killed at shutdown", "error", e)
	}
	// Exit events from the shutdown are still queued for the sinks.
	dctx, dcancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
	defer dcancel()
	for _, a := range sinks {
		if e := a.Close(dctx); e != nil {
			logger.Warn("event sink not drained", "sink", a.Name(), "error", e)
		}
	}
	logger.Info("nodevisord stopped")

	if e != nil && !errors.Is(e, http.ErrServerClosed) {
		return e
	}
	return nil
}
