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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
)

type testServer struct {
	s   *nodevisor.Supervisor
	h   *Handler
	srv *httptest.Server
	c   *Client
}

func newTestServer(t *testing.T, opts Options) *testServer {
	return newTestServerConfig(t, opts, nil)
}

func newTestServerConfig(t *testing.T, opts Options, adjust func(*nodevisor.Config)) *testServer {
	root := t.TempDir()
	for _, dir := range []string{root, filepath.Join(root, "bot")} {
		if e := os.MkdirAll(dir, 0755); e != nil {
			t.Fatalf("mkdir: %v", e)
		}
		script := []byte("echo hello\nexec sleep 30\n")
		if e := os.WriteFile(filepath.Join(dir, "index.js"), script, 0644); e != nil {
			t.Fatalf("write: %v", e)
		}
	}

	cfg := nodevisor.DefaultConfig(root)
	cfg.Node = "/bin/sh"
	cfg.Install = []string{"/bin/sh", "-c", "true"}
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond
	if adjust != nil {
		adjust(&cfg)
	}
	s, e := nodevisor.NewSupervisor(cfg)
	if e != nil {
		t.Fatalf("NewSupervisor: %v", e)
	}
	h := NewHandler(s, opts)
	srv := httptest.NewServer(h)
	return &testServer{s: s, h: h, srv: srv, c: NewClient(nil, srv.URL)}
}

func (ts *testServer) close() {
	ts.h.Close()
	ts.srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.s.Shutdown(ctx)
}

func codeOf(e error) int {
	var err *Error
	if errors.As(e, &err) {
		return err.Code
	}
	return 0
}

func TestHandler(t *testing.T) {
	Convey("Given a server", t, func() {
		ts := newTestServer(t, Options{})
		Reset(ts.close)
		c := ts.c

		Convey("The default process can be started once", func() {
			id, e := c.StartDefault()
			So(e, ShouldBeNil)
			So(id, ShouldNotBeEmpty)

			_, e = c.StartDefault()
			So(codeOf(e), ShouldEqual, http.StatusBadRequest)

			h, e := c.Health()
			So(e, ShouldBeNil)
			So(h.Status, ShouldEqual, "ok")
			So(h.Default, ShouldEqual, nodevisor.StatusRunning)
			So(h.Processes, ShouldEqual, 1)

			So(c.StopDefault(), ShouldBeNil)
			So(codeOf(c.StopDefault()), ShouldEqual, http.StatusBadRequest)
		})

		Convey("Restarting the default process gives a new id", func() {
			id1, e := c.StartDefault()
			So(e, ShouldBeNil)
			id2, e := c.RestartDefault()
			So(e, ShouldBeNil)
			So(id2, ShouldNotEqual, id1)
		})

		Convey("Projects run, list and stop", func() {
			id, e := c.Run("bot", "")
			So(e, ShouldBeNil)

			procs, e := c.Processes()
			So(e, ShouldBeNil)
			So(len(procs), ShouldEqual, 1)
			So(procs[0].Id, ShouldEqual, id)
			So(procs[0].MainFile, ShouldEqual, "index.js")
			So(procs[0].State, ShouldEqual, "running")

			nid, e := c.Restart(id)
			So(e, ShouldBeNil)
			So(nid, ShouldNotEqual, id)

			pid, e := c.RestartProject("bot", "index.js")
			So(e, ShouldBeNil)
			So(pid, ShouldNotEqual, nid)

			So(c.Stop(pid), ShouldBeNil)
			So(codeOf(c.Stop(pid)), ShouldEqual, http.StatusNotFound)
		})

		Convey("Errors map to status codes", func() {
			_, e := c.Run("../../etc", "passwd")
			So(codeOf(e), ShouldEqual, http.StatusForbidden)
			_, e = c.Run("bot", "../../../../etc/passwd")
			So(codeOf(e), ShouldEqual, http.StatusForbidden)
			_, e = c.Run("nowhere", "")
			So(codeOf(e), ShouldEqual, http.StatusNotFound)
			_, e = c.Run("bot", "missing.js")
			So(codeOf(e), ShouldEqual, http.StatusInternalServerError)
			So(codeOf(c.Stop("nope")), ShouldEqual, http.StatusNotFound)
			_, e = c.Restart("nope")
			So(codeOf(e), ShouldEqual, http.StatusNotFound)
			So(codeOf(c.Execute("", "")), ShouldEqual, http.StatusBadRequest)
			So(codeOf(c.Execute("ls", "/")), ShouldEqual, http.StatusForbidden)
			So(c.Execute("true", "bot"), ShouldBeNil)

			_, e = c.History(10)
			So(codeOf(e), ShouldEqual, http.StatusNotFound)
		})

		Convey("Bad JSON is refused", func() {
			res, e := http.Post(ts.srv.URL+"/api/run", "application/json",
				strings.NewReader("{bad"))
			So(e, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Unknown routes and methods are JSON errors", func() {
			res, e := http.Get(ts.srv.URL + "/nothing/here")
			So(e, ShouldBeNil)
			var err Error
			So(json.NewDecoder(res.Body).Decode(&err), ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusNotFound)
			So(err.Code, ShouldEqual, http.StatusNotFound)
			So(res.Header.Get("X-Request-Id"), ShouldNotBeEmpty)

			res, e = http.Get(ts.srv.URL + "/start")
			So(e, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("The startup configuration can be changed", func() {
			sc, e := c.StartupConfig()
			So(e, ShouldBeNil)
			So(sc.MainFile, ShouldEqual, "index.js")
			So(sc.AutoInstall, ShouldBeTrue)

			So(c.SetStartupConfig(nodevisor.StartupConfig{MainFile: "app.js"}), ShouldBeNil)
			sc, e = c.StartupConfig()
			So(e, ShouldBeNil)
			So(sc.MainFile, ShouldEqual, "app.js")
			So(sc.AutoInstall, ShouldBeFalse)
		})

		Convey("System information is reported", func() {
			si, e := c.System()
			So(e, ShouldBeNil)
			So(si.Platform, ShouldNotBeEmpty)
			So(si.Arch, ShouldNotBeEmpty)
		})
	})
}

func TestHandlerLogs(t *testing.T) {
	Convey("Given a server with some log", t, func() {
		ts := newTestServer(t, Options{})
		Reset(ts.close)
		c := ts.c
		bc := ts.s.Broadcaster()
		bc.Log(nodevisor.SourceSystem, "", "first\n")
		bc.Log("42", "stdout", "second\n")

		Convey("Lines are prefixed with the source", func() {
			lines, e := c.Lines()
			So(e, ShouldBeNil)
			So(lines, ShouldResemble, []string{"first\n", "[42] second\n"})
		})

		Convey("Records carry an etag", func() {
			li, e := c.GetLog()
			So(e, ShouldBeNil)
			So(len(li.Records), ShouldEqual, 2)
			So(li.Records[1].Text, ShouldEqual, "second\n")
			So(li.Etag(), ShouldNotBeEmpty)

			req, _ := http.NewRequest("GET", ts.srv.URL+"/api/logs/records", nil)
			req.Header.Set("If-None-Match", li.Etag())
			res, e := http.DefaultClient.Do(req)
			So(e, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusNotModified)

			Convey("And watching waits for a change", func() {
				go func() {
					time.Sleep(50 * time.Millisecond)
					bc.Log(nodevisor.SourceSystem, "", "third\n")
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				nli, e := c.WatchLog(ctx, li)
				So(e, ShouldBeNil)
				So(nli.Etag(), ShouldNotEqual, li.Etag())
				So(len(nli.Records), ShouldEqual, 3)
			})

			Convey("And clearing changes the etag", func() {
				So(c.ClearLogs(), ShouldBeNil)
				nli, e := c.GetLog()
				So(e, ShouldBeNil)
				So(len(nli.Records), ShouldEqual, 0)
				So(nli.Etag(), ShouldNotEqual, li.Etag())
			})
		})
	})
}

func TestHandlerAuth(t *testing.T) {
	Convey("Given a server with a password", t, func() {
		hash, e := HashPassword("secret")
		So(e, ShouldBeNil)
		ts := newTestServer(t, Options{
			Auth: config.AuthConfig{User: "admin", PasswordHash: hash},
		})
		Reset(ts.close)

		Convey("Anonymous requests are refused", func() {
			_, e := ts.c.Processes()
			So(codeOf(e), ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A bad password is refused", func() {
			ts.c.SetAuth("admin", "wrong")
			_, e := ts.c.Processes()
			So(codeOf(e), ShouldEqual, http.StatusUnauthorized)
		})

		Convey("The right password is accepted", func() {
			ts.c.SetAuth("admin", "secret")
			procs, e := ts.c.Processes()
			So(e, ShouldBeNil)
			So(len(procs), ShouldEqual, 0)
		})
	})
}

func dial(ts *testServer, query string) (*websocket.Conn, error) {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws" + query
	conn, _, e := websocket.DefaultDialer.Dial(u, nil)
	return conn, e
}

func readMessage(conn *websocket.Conn) (string, json.RawMessage, int64, error) {
	var msg struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		Seq   int64           `json:"seq"`
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if e := conn.ReadJSON(&msg); e != nil {
		return "", nil, 0, e
	}
	return msg.Event, msg.Data, msg.Seq, nil
}

// readUntil reads messages until one named event arrives.
func readUntil(conn *websocket.Conn, event string) (json.RawMessage, []string, error) {
	var names []string
	for {
		name, data, _, e := readMessage(conn)
		if e != nil {
			return nil, names, e
		}
		if name == event {
			return data, names, nil
		}
		names = append(names, name)
	}
}

func waitForLine(ts *testServer, line string) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range ts.s.Broadcaster().Ring().Records(0) {
			if rec.Line() == line {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestHandlerLogLimit(t *testing.T) {
	Convey("Given a server retaining more than the line limit", t, func() {
		ts := newTestServerConfig(t, Options{}, func(cfg *nodevisor.Config) {
			cfg.LogCapacity = nodevisor.MaxLogRecords + 500
		})
		Reset(ts.close)
		bc := ts.s.Broadcaster()
		total := nodevisor.MaxLogRecords + 200
		for i := 0; i < total; i++ {
			bc.Log(nodevisor.SourceSystem, "", fmt.Sprintf("line %d\n", i))
		}

		Convey("Only the most recent lines are served", func() {
			lines, e := ts.c.Lines()
			So(e, ShouldBeNil)
			So(len(lines), ShouldEqual, nodevisor.MaxLogRecords)
			So(lines[0], ShouldEqual, "line 200\n")
			So(lines[len(lines)-1], ShouldEqual, fmt.Sprintf("line %d\n", total-1))
		})
	})
}

func TestLiveChannel(t *testing.T) {
	Convey("Given a server with a running project", t, func() {
		ts := newTestServer(t, Options{})
		Reset(ts.close)
		ts.s.Broadcaster().Log(nodevisor.SourceSystem, "", "before\n")
		id, e := ts.c.Run("bot", "")
		So(e, ShouldBeNil)
		So(waitForLine(ts, "["+id+"] hello\n"), ShouldBeTrue)

		Convey("A client is greeted with the current state", func() {
			conn, e := dial(ts, "")
			So(e, ShouldBeNil)
			defer conn.Close()

			var names []string
			var datas []json.RawMessage
			for i := 0; i < 4; i++ {
				name, data, seq, e := readMessage(conn)
				So(e, ShouldBeNil)
				So(seq, ShouldEqual, 0)
				names = append(names, name)
				datas = append(datas, data)
			}
			So(names, ShouldResemble, []string{
				WSStatus, WSConsoleLogs, WSRunningProcesses, WSSystemInfo,
			})

			var status string
			So(json.Unmarshal(datas[0], &status), ShouldBeNil)
			So(status, ShouldEqual, nodevisor.StatusStopped)

			var backlog []string
			So(json.Unmarshal(datas[1], &backlog), ShouldBeNil)
			So(len(backlog), ShouldBeGreaterThan, 0)
			So(backlog[0], ShouldEqual, "before\n")
			So(backlog, ShouldContain, "["+id+"] hello\n")

			var running []string
			So(json.Unmarshal(datas[2], &running), ShouldBeNil)
			So(running, ShouldResemble, []string{id})

			Convey("Then sees live events in order", func() {
				So(ts.c.Stop(id), ShouldBeNil)
				data, _, e := readUntil(conn, WSProcessExited)
				So(e, ShouldBeNil)
				var pe ProcessEvent
				So(json.Unmarshal(data, &pe), ShouldBeNil)
				So(pe.ProcessId, ShouldEqual, id)
				So(pe.ExitCode, ShouldNotBeNil)
				So(*pe.ExitCode, ShouldEqual, -1)

				So(ts.c.Execute("echo hi", ""), ShouldBeNil)
				var last int64
				for {
					name, data, seq, e := readMessage(conn)
					So(e, ShouldBeNil)
					So(seq, ShouldBeGreaterThan, last)
					last = seq
					if name == WSCommandFinished {
						var ce CommandEvent
						So(json.Unmarshal(data, &ce), ShouldBeNil)
						So(ce.Command, ShouldEqual, "echo hi")
						So(ce.ExitCode, ShouldEqual, 0)
						break
					}
					So(name, ShouldEqual, WSConsoleLog)
					var line string
					So(json.Unmarshal(data, &line), ShouldBeNil)
				}
			})

			Convey("Then gets log output as text lines", func() {
				ts.s.Broadcaster().Log("7", "stdout", "live\n")
				data, _, e := readUntil(conn, WSConsoleLog)
				So(e, ShouldBeNil)
				var line string
				So(json.Unmarshal(data, &line), ShouldBeNil)
				So(line, ShouldEqual, "[7] live\n")
			})

			Convey("Then answers pings", func() {
				So(conn.WriteJSON(WSMessage{Event: WSPing}), ShouldBeNil)
				_, _, e := readUntil(conn, WSPong)
				So(e, ShouldBeNil)
			})

			Convey("Then is told when the log is cleared", func() {
				So(ts.c.ClearLogs(), ShouldBeNil)
				_, _, e := readUntil(conn, WSLogsCleared)
				So(e, ShouldBeNil)
			})
		})

		Convey("A legacy client gets text", func() {
			conn, e := dial(ts, "?protocol=legacy")
			So(e, ShouldBeNil)
			defer conn.Close()

			data, names, e := readUntil(conn, WSLegacyLogs)
			So(e, ShouldBeNil)
			So(names, ShouldResemble, []string{WSStatus})
			var text string
			So(json.Unmarshal(data, &text), ShouldBeNil)
			So(text, ShouldStartWith, "before\n")
			So(text, ShouldContainSubstring, "["+id+"] hello\n")

			ts.s.Broadcaster().Log("7", "stdout", "live\n")
			data, _, e = readUntil(conn, WSLegacyLog)
			So(e, ShouldBeNil)
			So(json.Unmarshal(data, &text), ShouldBeNil)
			So(text, ShouldEqual, "[7] live\n")
		})

		Convey("A records client gets structured log records", func() {
			conn, e := dial(ts, "?protocol=records")
			So(e, ShouldBeNil)
			defer conn.Close()

			data, names, e := readUntil(conn, WSConsoleLogs)
			So(e, ShouldBeNil)
			So(names, ShouldResemble, []string{WSStatus})
			var backlog []LogRecord
			So(json.Unmarshal(data, &backlog), ShouldBeNil)
			So(len(backlog), ShouldBeGreaterThan, 0)
			So(backlog[0].Text, ShouldEqual, "before\n")

			ts.s.Broadcaster().Log("7", "stdout", "live\n")
			data, _, e = readUntil(conn, WSConsoleLog)
			So(e, ShouldBeNil)
			var rec LogRecord
			So(json.Unmarshal(data, &rec), ShouldBeNil)
			So(rec.Text, ShouldEqual, "live\n")
			So(rec.Source, ShouldEqual, "7")
		})

		Convey("Health counts live clients", func() {
			conn, e := dial(ts, "")
			So(e, ShouldBeNil)
			_, _, e = readUntil(conn, WSSystemInfo)
			So(e, ShouldBeNil)

			h, e := ts.c.Health()
			So(e, ShouldBeNil)
			So(h.LiveClients, ShouldEqual, 1)
			So(h.Subscribers, ShouldEqual, 1)

			conn.Close()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) && ts.h.hub.ClientCount() > 0 {
				time.Sleep(10 * time.Millisecond)
			}
			So(ts.h.hub.ClientCount(), ShouldEqual, 0)
		})
	})
}
