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
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config controls a Supervisor.  Zero values are replaced by the defaults
// from DefaultConfig, except for the booleans and StopTimeout.
type Config struct {
	// Root confines every path the supervisor accepts.
	Root string

	// Node is the interpreter used to run entry points.
	Node     string
	NodeArgs []string

	// Env is added to the supervisor's own environment for children.
	Env []string

	// Install is run in a project directory before its first start
	// when AutoInstall is set and Manifest is present there.
	Install     []string
	Manifest    string
	AutoInstall bool

	// MainFile and DefaultDir locate the default process.  DefaultDir is
	// relative to Root.
	MainFile   string
	DefaultDir string

	// StopTimeout, if positive, is how long a stopped process has before
	// it is killed.  Zero means SIGTERM is the only signal ever sent.
	StopTimeout time.Duration

	// RestartDelay is the pause between the old default process exiting
	// and the new one starting.
	RestartDelay time.Duration

	// DrainTimeout bounds how long output is read after a child exits.
	DrainTimeout time.Duration

	LogCapacity int
	MaxPending  int

	// Shell runs one-off commands; the command line is appended.
	Shell          []string
	CommandTimeout time.Duration
}

// DefaultConfig returns the configuration for a supervisor rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:         root,
		Node:         "node",
		Install:      []string{"npm", "install"},
		Manifest:     "package.json",
		AutoInstall:  true,
		MainFile:     "index.js",
		RestartDelay: time.Second,
		DrainTimeout: 2 * time.Second,
		LogCapacity:  MaxLogRecords,
		MaxPending:   DefaultMaxPending,
		Shell:        defaultShell(),
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig(c.Root)
	if c.Node == "" {
		c.Node = d.Node
	}
	if len(c.Install) == 0 {
		c.Install = d.Install
	}
	if c.Manifest == "" {
		c.Manifest = d.Manifest
	}
	if c.MainFile == "" {
		c.MainFile = d.MainFile
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = d.LogCapacity
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if len(c.Shell) == 0 {
		c.Shell = d.Shell
	}
}

// StartupConfig is the part of the configuration operators may change at
// run time.  It applies to the default process and to any start that does
// not name a main file.
type StartupConfig struct {
	MainFile    string `json:"mainFile"`
	AutoInstall bool   `json:"autoInstall"`
}

// Snapshot is the state handed to a new observer together with its
// subscription.
type Snapshot struct {
	Status    string        `json:"status"`
	Running   []string      `json:"running"`
	Processes []ProcessInfo `json:"processes"`
	Backlog   []LogRecord   `json:"backlog"`
}

// Supervisor spawns, tracks and stops child processes, and reports
// everything that happens to them through its Broadcaster.
//
// Any change of state that is published is made while holding mx.  New
// observers take their snapshot under mx as well, so a snapshot and the
// live feed that follows it never disagree.
type Supervisor struct {
	cfg       Config
	root      string
	reg       *Registry
	bc        *Broadcaster
	runner    *Runner
	logger    Logger
	syslog    *log.Logger
	serial    int64
	startup   StartupConfig
	defaultId string
	closed    bool
	created   time.Time
	versions  toolVersions
	ctx       context.Context
	cancel    context.CancelFunc
	mx        sync.Mutex
	dmx       sync.Mutex // serializes default process operations
}

// NewSupervisor creates a Supervisor.  The root directory must exist.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg.fillDefaults()
	root, e := ResolvePath(cfg.Root, "")
	if e != nil {
		return nil, e
	}
	if fi, e := os.Stat(root); e != nil {
		return nil, fmt.Errorf("root directory: %w", e)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("root directory: %s is not a directory", root)
	}
	cfg.Root = root

	s := &Supervisor{
		cfg:     cfg,
		root:    root,
		reg:     NewRegistry(),
		bc:      NewBroadcaster(NewLog(cfg.LogCapacity)),
		logger:  noopLogger{},
		created: time.Now(),
		startup: StartupConfig{
			MainFile:    cfg.MainFile,
			AutoInstall: cfg.AutoInstall,
		},
	}
	s.bc.SetMaxPending(cfg.MaxPending)
	s.syslog = log.New(s.bc, "", 0)
	// We seed the serial with the current time in msec, so that ids stay
	// unique even across a restart of the supervisor.
	s.serial = s.created.UnixNano() / int64(time.Millisecond)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.runner = newRunner(s.ctx, root, cfg.Shell, cfg.CommandTimeout, s.bc)
	return s, nil
}

// SetLogger establishes the operator logger.  It should be called before
// anything is started.
func (s *Supervisor) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	s.logger = l
	s.runner.logger = l
}

func (s *Supervisor) Root() string {
	return s.root
}

func (s *Supervisor) Registry() *Registry {
	return s.reg
}

func (s *Supervisor) Broadcaster() *Broadcaster {
	return s.bc
}

func (s *Supervisor) Runner() *Runner {
	return s.runner
}

// CreateTime is when the supervisor was created.
func (s *Supervisor) CreateTime() time.Time {
	return s.created
}

// nextId must be called with the lock held.
func (s *Supervisor) nextId() string {
	s.serial++
	return strconv.FormatInt(s.serial, 10)
}

func (s *Supervisor) StartupConfig() StartupConfig {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.startup
}

// SetStartupConfig replaces the startup configuration.  An empty main file
// selects the configured default.
func (s *Supervisor) SetStartupConfig(sc StartupConfig) {
	if sc.MainFile == "" {
		sc.MainFile = s.cfg.MainFile
	}
	s.mx.Lock()
	s.startup = sc
	s.mx.Unlock()
	s.logger.Info("startup configuration changed",
		"main_file", sc.MainFile, "auto_install", sc.AutoInstall)
}

// Spawn starts entry in dir, both of which must resolve within the root.
// If entry is empty, the startup main file is used.
func (s *Supervisor) Spawn(dir, entry string) (*Process, error) {
	return s.spawn(dir, entry, false)
}

func (s *Supervisor) spawn(dirArg, entry string, isDefault bool) (*Process, error) {
	s.mx.Lock()
	closed := s.closed
	startup := s.startup
	s.mx.Unlock()

	if closed {
		return nil, ErrShutdown
	}
	if entry == "" {
		entry = startup.MainFile
	}
	dir, e := ResolvePath(s.root, dirArg)
	if e != nil {
		return nil, s.fail(dirArg, entry, e)
	}
	if fi, e := os.Stat(dir); e != nil || !fi.IsDir() {
		return nil, s.fail(dir, entry,
			fmt.Errorf("%w: directory %s", ErrNotFound, dir))
	}
	target := entry
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, entry)
	}
	target, e = ResolvePath(s.root, target)
	if e != nil {
		return nil, s.fail(dir, entry, e)
	}
	if fi, e := os.Stat(target); e != nil || fi.IsDir() {
		return nil, s.fail(dir, entry,
			fmt.Errorf("%w: entry point %s not found", ErrSpawnFailed, target))
	}

	if startup.AutoInstall && s.hasManifest(dir) {
		if e := s.install(dir); e != nil {
			return nil, s.fail(dir, entry, e)
		}
	}
	return s.start(dir, entry, isDefault)
}

// fail narrates a failed start to observers, and returns e.
func (s *Supervisor) fail(dir, entry string, e error) error {
	s.syslog.Printf("Failed to start %s in %s: %v", entry, dir, e)
	s.bc.Publish(Event{
		Type:    EventSpawnFailed,
		Process: &ProcessInfo{ProjectPath: dir, MainFile: entry, ExitCode: -1},
		Error:   e.Error(),
	})
	s.logger.Warn("spawn failed", "dir", dir, "entry", entry, "error", e)
	return e
}

func (s *Supervisor) start(dir, entry string, isDefault bool) (*Process, error) {
	args := append(append([]string{}, s.cfg.NodeArgs...), entry)
	cmd := command(s.cfg.Node, args, dir, s.cfg.Env)
	op, e := attachOutput(cmd)
	if e != nil {
		return nil, s.fail(dir, entry, fmt.Errorf("%w: %v", ErrInternal, e))
	}

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		op.abort()
		return nil, ErrShutdown
	}
	p := newProcess(s.nextId(), dir, entry, isDefault)
	if e := s.reg.Register(p); e != nil {
		s.mx.Unlock()
		op.abort()
		return nil, s.fail(dir, entry, e)
	}
	if e := cmd.Start(); e != nil {
		s.reg.Remove(p.id)
		s.mx.Unlock()
		op.abort()
		return nil, s.fail(dir, entry, fmt.Errorf("%w: %v", ErrSpawnFailed, e))
	}
	p.setRunning(cmd)
	info := p.Info()
	s.bc.Publish(Event{Type: EventProcessStarted, Process: &info})
	if isDefault {
		s.defaultId = p.id
		s.bc.Publish(Event{Type: EventStatus, Status: StatusRunning})
	}
	s.syslog.Printf("Started %s in %s as process %s", entry, dir, p.id)
	s.mx.Unlock()

	op.start(func(stream, chunk string) {
		s.bc.Log(p.id, stream, chunk)
	}, s.logger)
	go s.reap(p, cmd, op)

	s.logger.Info("process started",
		"id", p.id, "dir", dir, "entry", entry, "pid", info.Pid)
	return p, nil
}

// reap waits for the process to exit, and then reconciles.  This is the
// only place a process becomes StateExited, and the only place a started
// process is removed from the registry.
func (s *Supervisor) reap(p *Process, cmd *exec.Cmd, op *outputPipes) {
	e := cmd.Wait()
	op.drain(s.cfg.DrainTimeout)
	code := exitCode(cmd, e)

	s.mx.Lock()
	p.setExited(code)
	s.reg.Remove(p.id)
	info := p.Info()
	s.bc.Publish(Event{Type: EventProcessExited, Process: &info, ExitCode: code})
	if code >= 0 {
		s.syslog.Printf("Process %s exited with code %d", p.id, code)
	} else {
		s.syslog.Printf("Process %s terminated: %v", p.id, e)
	}
	if p.isDefault && s.defaultId == p.id {
		s.defaultId = ""
		s.bc.Publish(Event{Type: EventStatus, Status: StatusStopped})
	}
	s.mx.Unlock()
	close(p.done)

	s.logger.Info("process exited", "id", p.id, "code", code)
}

// Stop asks the process to terminate, and returns without waiting for it.
// Once a stop has been requested the process is no longer addressable, so
// a second Stop for the same id fails with ErrNotFound and sends nothing.
func (s *Supervisor) Stop(id string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	p, e := s.reg.Lookup(id)
	if e != nil {
		return e
	}
	if !p.beginStop(s.cfg.StopTimeout, s.logger) {
		return ErrNotFound
	}
	s.syslog.Printf("Stopping process %s", id)
	s.logger.Info("stopping process", "id", id)
	if p.isDefault && s.defaultId == id {
		s.defaultId = ""
		s.bc.Publish(Event{Type: EventStatus, Status: StatusStopped})
	}
	return nil
}

// Restart stops the process, waits for it to exit, and starts the same
// entry point again.  The new process has a new id.
func (s *Supervisor) Restart(ctx context.Context, id string) (*Process, error) {
	p, e := s.reg.Lookup(id)
	if e != nil {
		return nil, e
	}
	if p.isDefault {
		return s.RestartDefault(ctx)
	}
	if e := s.stopAndWait(ctx, p); e != nil {
		return nil, e
	}
	return s.spawn(p.dir, p.entry, false)
}

// RestartPath stops every process running entry in dir, if any, and
// starts it afresh.
func (s *Supervisor) RestartPath(ctx context.Context, dir, entry string) (*Process, error) {
	if entry == "" {
		entry = s.StartupConfig().MainFile
	}
	abs, e := ResolvePath(s.root, dir)
	if e != nil {
		return nil, s.fail(dir, entry, e)
	}
	for _, p := range s.reg.FindByPath(abs, entry) {
		if e := s.stopAndWait(ctx, p); e != nil {
			return nil, e
		}
	}
	return s.spawn(abs, entry, false)
}

func (s *Supervisor) stopAndWait(ctx context.Context, p *Process) error {
	if e := s.Stop(p.id); e != nil && e != ErrNotFound {
		return e
	}
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartDefault starts the default process.  Only one may be active.
func (s *Supervisor) StartDefault() (*Process, error) {
	s.dmx.Lock()
	defer s.dmx.Unlock()

	if s.DefaultStatus() == StatusRunning {
		return nil, ErrAlreadyRunning
	}
	return s.spawn(s.cfg.DefaultDir, "", true)
}

// StopDefault stops the default process.  Its status becomes stopped at
// once, even though the process may take a while to exit.
func (s *Supervisor) StopDefault() error {
	s.dmx.Lock()
	defer s.dmx.Unlock()

	s.mx.Lock()
	id := s.defaultId
	s.mx.Unlock()
	if id == "" {
		return ErrNotRunning
	}
	if e := s.Stop(id); e == ErrNotFound {
		return ErrNotRunning
	} else if e != nil {
		return e
	}
	return nil
}

// RestartDefault stops the default process if there is one, waits for it
// (and any earlier default still shutting down) to exit, pauses for the
// restart delay, and starts it again.  It starts the process even if none
// was running.
func (s *Supervisor) RestartDefault(ctx context.Context) (*Process, error) {
	s.dmx.Lock()
	defer s.dmx.Unlock()

	s.mx.Lock()
	id := s.defaultId
	s.mx.Unlock()
	if id != "" {
		if e := s.Stop(id); e != nil && e != ErrNotFound {
			return nil, e
		}
	}
	waited := false
	for _, p := range s.reg.List() {
		if !p.isDefault {
			continue
		}
		waited = true
		select {
		case <-p.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if waited && s.cfg.RestartDelay > 0 {
		select {
		case <-time.After(s.cfg.RestartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.spawn(s.cfg.DefaultDir, "", true)
}

// DefaultStatus is StatusRunning while a default process is active.
func (s *Supervisor) DefaultStatus() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.defaultId != "" {
		return StatusRunning
	}
	return StatusStopped
}

func (s *Supervisor) Lookup(id string) (*Process, error) {
	return s.reg.Lookup(id)
}

// Processes returns information on every supervised process.
func (s *Supervisor) Processes() []ProcessInfo {
	procs := s.reg.List()
	rv := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		rv = append(rv, p.Info())
	}
	return rv
}

// Subscribe returns the current state together with a subscription whose
// feed starts exactly where the snapshot ends.
func (s *Supervisor) Subscribe(backlog int) (*Snapshot, *Subscription) {
	s.mx.Lock()
	defer s.mx.Unlock()

	snap := &Snapshot{
		Status:    StatusStopped,
		Running:   s.reg.Ids(),
		Processes: s.Processes(),
	}
	if s.defaultId != "" {
		snap.Status = StatusRunning
	}
	sub := s.bc.Subscribe(backlog)
	snap.Backlog = sub.Backlog
	return snap, sub
}

func (s *Supervisor) Unsubscribe(sub *Subscription) {
	s.bc.Unsubscribe(sub)
}

// Execute runs a one-off command; see Runner.Run.
func (s *Supervisor) Execute(command, cwd string) error {
	return s.runner.Run(command, cwd)
}

// ClearLogs empties the log ring.
func (s *Supervisor) ClearLogs() {
	s.bc.Clear()
	s.logger.Info("logs cleared")
}

// Shutdown stops every process and abandons running commands.  Processes
// still alive when ctx expires are killed.  Once shut down, nothing new
// can be started.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	procs := s.reg.List()
	for _, p := range procs {
		p.beginStop(0, s.logger)
	}
	s.mx.Unlock()

	s.cancel()
	s.runner.wait()

	var rv error
	for _, p := range procs {
		select {
		case <-p.Done():
			continue
		case <-ctx.Done():
		}
		rv = ctx.Err()
		p.kill()
		<-p.Done()
	}
	s.logger.Info("supervisor shut down", "processes", len(procs))
	return rv
}
