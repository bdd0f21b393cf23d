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

// Package history records process runs and one-off commands in a SQLite
// database, so that an operator can see what ran after the fact.  It is
// attached to a supervisor as an event sink.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/gdamore/nodevisor"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	msPerSecond       = 1000
	connectionTimeout = 5 * time.Second
	writeTimeout      = 5 * time.Second

	// DefaultLimit is the number of runs List returns when asked for
	// none in particular.
	DefaultLimit = 100
)

// Config describes where the database lives.
type Config struct {
	Path        string
	BusyTimeout int // seconds
}

// Run is one process lifetime, or one command.
type Run struct {
	Id          string     `json:"id"`
	Kind        string     `json:"kind"` // "process" or "command"
	ProjectPath string     `json:"projectPath"`
	MainFile    string     `json:"mainFile,omitempty"`
	Command     string     `json:"command,omitempty"`
	Pid         int        `json:"pid,omitempty"`
	Default     bool       `json:"default,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Kinds of Run.
const (
	KindProcess = "process"
	KindCommand = "command"
)

// Store is the run history.  It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at cfg.Path and brings its
// schema up to date.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("history: database path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*msPerSecond)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *Store) Path() string {
	return s.path
}

// HealthCheck verifies the database answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// HandleEvent records lifecycle events.  Other events are ignored.  It
// implements nodevisor.EventSink.
func (s *Store) HandleEvent(ev nodevisor.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch ev.Type {
	case nodevisor.EventProcessStarted:
		if ev.Process == nil {
			return nil
		}
		p := ev.Process
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, kind, project_path, main_file, pid, is_default, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Id, KindProcess, p.ProjectPath, p.MainFile, p.Pid, p.Default,
			p.StartTime.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("recording start of %s: %w", p.Id, err)
		}

	case nodevisor.EventProcessExited:
		if ev.Process == nil {
			return nil
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs SET ended_at = ?, exit_code = ? WHERE id = ?`,
			ev.Time.UTC().UnixMilli(), ev.ExitCode, ev.Process.Id)
		if err != nil {
			return fmt.Errorf("recording exit of %s: %w", ev.Process.Id, err)
		}

	case nodevisor.EventSpawnFailed:
		var dir, entry string
		if ev.Process != nil {
			dir, entry = ev.Process.ProjectPath, ev.Process.MainFile
		}
		at := ev.Time.UTC().UnixMilli()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, kind, project_path, main_file, started_at, ended_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("failed-%d-%d", ev.Time.UnixNano(), ev.Seq), KindProcess, dir, entry, at, at, ev.Error)
		if err != nil {
			return fmt.Errorf("recording failed start: %w", err)
		}

	case nodevisor.EventCommandFinished:
		at := ev.Time.UTC().UnixMilli()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, kind, project_path, command, started_at, ended_at, exit_code, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("command-%d-%d", ev.Time.UnixNano(), ev.Seq), KindCommand, ev.Dir, ev.Command,
			at, at, ev.ExitCode, ev.Error)
		if err != nil {
			return fmt.Errorf("recording command: %w", err)
		}
	}
	return nil
}

// List returns up to limit runs, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, project_path, main_file, command, pid, is_default,
		       started_at, ended_at, exit_code, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r       Run
			started int64
			ended   sql.NullInt64
			code    sql.NullInt64
		)
		if err := rows.Scan(&r.Id, &r.Kind, &r.ProjectPath, &r.MainFile,
			&r.Command, &r.Pid, &r.Default, &started, &ended, &code,
			&r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartTime = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			r.EndTime = &t
		}
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}
