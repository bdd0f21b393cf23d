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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "nodevisor.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("Loading configuration", t, func() {
		for _, k := range []string{"PORT", "NODEVISOR_ADDR", "NODEVISOR_ROOT",
			"NODEVISOR_LOG_LEVEL", "NODEVISOR_AUTH_PASSWORD_HASH",
			"NODEVISOR_MQTT_PASSWORD", "NODEVISOR_INFLUXDB_TOKEN"} {
			t.Setenv(k, "")
		}

		Convey("An empty path yields the defaults", func() {
			cfg, err := Load("")
			So(err, ShouldBeNil)
			So(cfg.Server.Addr, ShouldEqual, ":3000")
			So(cfg.Supervisor.Node, ShouldEqual, "node")
			So(cfg.Supervisor.MainFile, ShouldEqual, "index.js")
			So(cfg.Supervisor.RestartDelay, ShouldEqual, time.Second)
			So(cfg.Supervisor.StopTimeout, ShouldEqual, time.Duration(0))
			So(cfg.History.Enabled, ShouldBeFalse)
		})

		Convey("YAML values override the defaults", func() {
			path := writeConfig(t, `
server:
  addr: "127.0.0.1:8081"
supervisor:
  root: "/srv/bots"
  main_file: "bot.js"
  stop_timeout: 5s
  auto_install: false
mqtt:
  enabled: true
  qos: 0
`)
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Server.Addr, ShouldEqual, "127.0.0.1:8081")
			So(cfg.Supervisor.Root, ShouldEqual, "/srv/bots")
			So(cfg.Supervisor.MainFile, ShouldEqual, "bot.js")
			So(cfg.Supervisor.StopTimeout, ShouldEqual, 5*time.Second)
			So(cfg.Supervisor.AutoInstall, ShouldBeFalse)
			So(cfg.MQTT.Enabled, ShouldBeTrue)
			So(cfg.MQTT.Host, ShouldEqual, "localhost")

			sc := cfg.SupervisorConfig()
			So(sc.Root, ShouldEqual, "/srv/bots")
			So(sc.StopTimeout, ShouldEqual, 5*time.Second)
		})

		Convey("Environment variables win over the file", func() {
			path := writeConfig(t, "supervisor:\n  root: /from/file\n")
			t.Setenv("NODEVISOR_ROOT", "/from/env")
			t.Setenv("PORT", "4000")
			t.Setenv("NODEVISOR_INFLUXDB_TOKEN", "secret")
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Supervisor.Root, ShouldEqual, "/from/env")
			So(cfg.Server.Addr, ShouldEqual, ":4000")
			So(cfg.InfluxDB.Token, ShouldEqual, "secret")
		})

		Convey("A missing file is an error", func() {
			_, err := Load("/nonexistent/path/nodevisor.yaml")
			So(err, ShouldNotBeNil)
		})

		Convey("Malformed YAML is an error", func() {
			_, err := Load(writeConfig(t, "server: [unclosed\n"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Validating configuration", t, func() {
		cfg := Default()
		So(cfg.Validate(), ShouldBeNil)

		Convey("A bad port is rejected", func() {
			cfg.Server.Addr = ":99999"
			So(cfg.Validate(), ShouldNotBeNil)
		})
		Convey("An empty root is rejected", func() {
			cfg.Supervisor.Root = ""
			So(cfg.Validate(), ShouldNotBeNil)
		})
		Convey("MQTT QoS must be 0 to 2", func() {
			cfg.MQTT.Enabled = true
			cfg.MQTT.QoS = 3
			So(cfg.Validate(), ShouldNotBeNil)
		})
		Convey("History needs a path", func() {
			cfg.History.Enabled = true
			cfg.History.Path = ""
			So(cfg.Validate(), ShouldNotBeNil)
		})
		Convey("Every problem is reported", func() {
			cfg.Supervisor.Root = ""
			cfg.Supervisor.Node = ""
			err := cfg.Validate()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "supervisor.root")
			So(err.Error(), ShouldContainSubstring, "supervisor.node")
		})
	})
}
