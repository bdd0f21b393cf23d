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

package nodevisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRunner(t *testing.T) {
	Convey("Given a supervisor for one-off commands", t, func() {
		root := t.TempDir()
		So(os.MkdirAll(filepath.Join(root, "work"), 0755), ShouldBeNil)
		cfg := testConfig(root)
		cfg.CommandTimeout = 5 * time.Second
		s := newTestSupervisor(t, cfg)
		Reset(func() { shutdown(s) })
		_, sub := s.Subscribe(0)
		Reset(func() { s.Unsubscribe(sub) })

		finished := func(ev Event) bool { return ev.Type == EventCommandFinished }

		Convey("Output is published under the command source", func() {
			So(s.Execute("echo hello", "work"), ShouldBeNil)
			ev, before, ok := expect(sub, finished)
			So(ok, ShouldBeTrue)
			So(ev.ExitCode, ShouldEqual, 0)
			So(ev.Error, ShouldBeEmpty)
			So(ev.Command, ShouldEqual, "echo hello")
			So(ev.Dir, ShouldEqual, filepath.Join(s.Root(), "work"))

			var text []string
			for _, b := range before {
				if b.Type == EventLog {
					So(b.Log.Source, ShouldEqual, SourceCommand)
					text = append(text, b.Log.Text)
				}
			}
			So(text, ShouldResemble, []string{"$ echo hello\n", "hello\n"})
			So(s.Registry().Len(), ShouldEqual, 0)
		})

		Convey("The empty directory is the root", func() {
			So(s.Execute("  pwd  ", ""), ShouldBeNil)
			ev, before, ok := expect(sub, finished)
			So(ok, ShouldBeTrue)
			So(ev.Command, ShouldEqual, "pwd")
			So(ev.Dir, ShouldEqual, s.Root())
			So(len(before), ShouldEqual, 2)
		})

		Convey("Failures are reported in the log", func() {
			So(s.Execute("exit 7", "work"), ShouldBeNil)
			ev, before, ok := expect(sub, finished)
			So(ok, ShouldBeTrue)
			So(ev.ExitCode, ShouldEqual, 7)
			So(ev.Error, ShouldNotBeEmpty)
			last := before[len(before)-1]
			So(last.Type, ShouldEqual, EventLog)
			So(last.Log.Text, ShouldStartWith, "Error: ")
		})

		Convey("Commands that run too long are killed", func() {
			cfg := testConfig(root)
			cfg.CommandTimeout = 100 * time.Millisecond
			s2 := newTestSupervisor(t, cfg)
			defer shutdown(s2)
			_, sub2 := s2.Subscribe(0)
			defer s2.Unsubscribe(sub2)

			So(s2.Execute("exec sleep 30", ""), ShouldBeNil)
			ev, _, ok := expect(sub2, finished)
			So(ok, ShouldBeTrue)
			So(ev.ExitCode, ShouldEqual, -1)
			So(ev.Error, ShouldContainSubstring, "deadline")
		})

		Convey("Bad requests are refused", func() {
			n := s.Broadcaster().Ring().Len()
			So(s.Execute("   ", ""), ShouldEqual, ErrEmptyCommand)
			So(errors.Is(s.Execute("ls", "../.."), ErrAccessDenied), ShouldBeTrue)
			So(errors.Is(s.Execute("ls", "missing"), ErrNotFound), ShouldBeTrue)
			So(s.Broadcaster().Ring().Len(), ShouldEqual, n)
		})

		Convey("Nothing runs after shutdown", func() {
			shutdown(s)
			So(s.Execute("echo late", ""), ShouldEqual, ErrShutdown)
		})
	})
}
