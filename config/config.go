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

// Package config loads the nodevisord configuration.  Values come from
// built-in defaults, then an optional YAML file, then a handful of
// environment variables, and the result is validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gdamore/nodevisor"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
}

// ServerConfig contains HTTP listener settings.  Timeouts are in seconds.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxConnections int    `yaml:"max_connections"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout"`
}

// AuthConfig enables HTTP basic authentication when PasswordHash is set.
// The hash is a bcrypt hash of the operator's password.
type AuthConfig struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

// SupervisorConfig mirrors nodevisor.Config.  Durations are YAML duration
// strings such as "500ms" or "10s".
type SupervisorConfig struct {
	Root           string        `yaml:"root"`
	Node           string        `yaml:"node"`
	NodeArgs       []string      `yaml:"node_args"`
	Env            []string      `yaml:"env"`
	Install        []string      `yaml:"install"`
	Manifest       string        `yaml:"manifest"`
	AutoInstall    bool          `yaml:"auto_install"`
	MainFile       string        `yaml:"main_file"`
	DefaultDir     string        `yaml:"default_dir"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	LogCapacity    int           `yaml:"log_capacity"`
	MaxPending     int           `yaml:"max_pending"`
	Shell          []string      `yaml:"shell"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// WebSocketConfig contains live channel settings.  Intervals are in
// seconds.
type WebSocketConfig struct {
	PingInterval   int   `yaml:"ping_interval"`
	PongTimeout    int   `yaml:"pong_timeout"`
	MaxMessageSize int64 `yaml:"max_message_size"`
	SendBuffer     int   `yaml:"send_buffer"`
}

// LoggingConfig contains operator logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HistoryConfig enables the SQLite run history.
type HistoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig enables forwarding of events to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
	IncludeLogs bool   `yaml:"include_logs"`
}

// InfluxDBConfig enables writing process lifecycle points to InfluxDB.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// Load reads the configuration at path.  An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	sup := nodevisor.DefaultConfig("./projects")
	return &Config{
		Server: ServerConfig{
			Addr:           ":3000",
			MaxConnections: 256,
			MaxBodyBytes:   1 << 20,
			ReadTimeout:    30,
			WriteTimeout:   0,
			IdleTimeout:    120,
		},
		Auth: AuthConfig{
			User: "admin",
		},
		Supervisor: SupervisorConfig{
			Root:         sup.Root,
			Node:         sup.Node,
			Install:      sup.Install,
			Manifest:     sup.Manifest,
			AutoInstall:  sup.AutoInstall,
			MainFile:     sup.MainFile,
			StopTimeout:  sup.StopTimeout,
			RestartDelay: sup.RestartDelay,
			DrainTimeout: sup.DrainTimeout,
			LogCapacity:  sup.LogCapacity,
			MaxPending:   sup.MaxPending,
			Shell:        sup.Shell,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30,
			PongTimeout:    10,
			MaxMessageSize: 8192,
			SendBuffer:     256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		History: HistoryConfig{
			Path:        "./data/nodevisor.db",
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "nodevisord",
			QoS:         1,
			TopicPrefix: "nodevisor",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "nodevisor",
			Bucket:        "nodevisor",
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.  PORT is
// honored for compatibility with hosting platforms that set it.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("NODEVISOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NODEVISOR_ROOT"); v != "" {
		cfg.Supervisor.Root = v
	}
	if v := os.Getenv("NODEVISOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NODEVISOR_AUTH_PASSWORD_HASH"); v != "" {
		cfg.Auth.PasswordHash = v
	}
	if v := os.Getenv("NODEVISOR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("NODEVISOR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	} else if i := strings.LastIndex(c.Server.Addr, ":"); i < 0 {
		errs = append(errs, "server.addr must be host:port")
	} else if p, err := strconv.Atoi(c.Server.Addr[i+1:]); err != nil || p < 0 || p > 65535 {
		errs = append(errs, "server.addr port must be between 0 and 65535")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "server.max_connections must not be negative")
	}

	if c.Supervisor.Root == "" {
		errs = append(errs, "supervisor.root is required")
	}
	if c.Supervisor.Node == "" {
		errs = append(errs, "supervisor.node is required")
	}
	if c.Supervisor.AutoInstall && len(c.Supervisor.Install) == 0 {
		errs = append(errs, "supervisor.install is required when auto_install is set")
	}
	if c.Supervisor.StopTimeout < 0 {
		errs = append(errs, "supervisor.stop_timeout must not be negative")
	}
	if c.Supervisor.LogCapacity < 0 {
		errs = append(errs, "supervisor.log_capacity must not be negative")
	}

	if c.Auth.PasswordHash != "" && c.Auth.User == "" {
		errs = append(errs, "auth.user is required when a password hash is set")
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, "mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SupervisorConfig converts the supervisor section for nodevisor.
func (c *Config) SupervisorConfig() nodevisor.Config {
	s := c.Supervisor
	return nodevisor.Config{
		Root:           s.Root,
		Node:           s.Node,
		NodeArgs:       s.NodeArgs,
		Env:            s.Env,
		Install:        s.Install,
		Manifest:       s.Manifest,
		AutoInstall:    s.AutoInstall,
		MainFile:       s.MainFile,
		DefaultDir:     s.DefaultDir,
		StopTimeout:    s.StopTimeout,
		RestartDelay:   s.RestartDelay,
		DrainTimeout:   s.DrainTimeout,
		LogCapacity:    s.LogCapacity,
		MaxPending:     s.MaxPending,
		Shell:          s.Shell,
		CommandTimeout: s.CommandTimeout,
	}
}

// GetReadTimeout returns the HTTP read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a Duration.  Zero
// means none, which long polls and the live channel need.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeout) * time.Second
}

// GetIdleTimeout returns the HTTP idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeout) * time.Second
}
