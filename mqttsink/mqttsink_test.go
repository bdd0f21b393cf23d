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

package mqttsink

import (
	"encoding/json"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/nodevisor"
)

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	msgs   []message
	fail   error
	closed bool
}

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, message{topic, payload, retained})
	return nil
}

func (f *fakePublisher) Close() {
	f.closed = true
}

func TestSink(t *testing.T) {
	Convey("Given a sink over a fake broker", t, func() {
		fp := &fakePublisher{}
		s := newSink(fp, "panel", false)

		Convey("Lifecycle events go to their own topic", func() {
			ev := nodevisor.Event{
				Seq:     3,
				Type:    nodevisor.EventProcessStarted,
				Process: &nodevisor.ProcessInfo{Id: "17", MainFile: "index.js"},
			}
			So(s.HandleEvent(ev), ShouldBeNil)
			So(len(fp.msgs), ShouldEqual, 1)
			So(fp.msgs[0].topic, ShouldEqual, "panel/events/process-started")
			So(fp.msgs[0].retained, ShouldBeFalse)

			var got nodevisor.Event
			So(json.Unmarshal(fp.msgs[0].payload, &got), ShouldBeNil)
			So(got.Seq, ShouldEqual, 3)
			So(got.Process.Id, ShouldEqual, "17")
		})

		Convey("Status is also retained", func() {
			So(s.HandleEvent(nodevisor.Event{
				Type: nodevisor.EventStatus, Status: nodevisor.StatusRunning,
			}), ShouldBeNil)
			So(len(fp.msgs), ShouldEqual, 2)
			So(fp.msgs[1].topic, ShouldEqual, "panel/status")
			So(string(fp.msgs[1].payload), ShouldEqual, "running")
			So(fp.msgs[1].retained, ShouldBeTrue)
		})

		Convey("Logs are skipped unless asked for", func() {
			ev := nodevisor.Event{
				Type: nodevisor.EventLog,
				Log:  &nodevisor.LogRecord{Source: "1", Text: "hi\n"},
			}
			So(s.HandleEvent(ev), ShouldBeNil)
			So(len(fp.msgs), ShouldEqual, 0)

			s.includeLogs = true
			So(s.HandleEvent(ev), ShouldBeNil)
			So(len(fp.msgs), ShouldEqual, 1)
			So(fp.msgs[0].topic, ShouldEqual, "panel/events/log")
		})

		Convey("Broker failures are returned", func() {
			fp.fail = ErrNotConnected
			err := s.HandleEvent(nodevisor.Event{Type: nodevisor.EventLogsCleared})
			So(errors.Is(err, ErrNotConnected), ShouldBeTrue)
		})

		Convey("Close disconnects", func() {
			s.Close()
			So(fp.closed, ShouldBeTrue)
		})
	})

	Convey("Topics default their prefix", t, func() {
		var tp Topics
		So(tp.Event(nodevisor.EventProcessExited), ShouldEqual, "nodevisor/events/process-exited")
		So(tp.Status(), ShouldEqual, "nodevisor/status")
		So(tp.Online(), ShouldEqual, "nodevisor/online")
	})
}
