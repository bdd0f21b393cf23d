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
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type recordingSink struct {
	mx     sync.Mutex
	events []Event
	fail   bool
}

func (r *recordingSink) HandleEvent(ev Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("Sink failed")
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.events)
}

func (r *recordingSink) waitFor(n int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestAttachSink(t *testing.T) {
	Convey("Given a broadcaster with history", t, func() {
		b := NewBroadcaster(NewLog(100))
		b.Log(SourceSystem, "", "old\n")
		sink := &recordingSink{}

		Convey("Only new events reach the sink, in order", func() {
			a := AttachSink(context.Background(), b, "test", sink, nil)
			defer a.Detach()
			for i := 0; i < 10; i++ {
				b.Log(SourceSystem, "", "new\n")
			}
			So(sink.waitFor(10), ShouldBeTrue)
			sink.mx.Lock()
			defer sink.mx.Unlock()
			for i, ev := range sink.events {
				So(ev.Log.Text, ShouldEqual, "new\n")
				if i > 0 {
					So(ev.Seq, ShouldEqual, sink.events[i-1].Seq+1)
				}
			}
		})

		Convey("Sink errors do not stop delivery", func() {
			sink.fail = true
			a := AttachSink(context.Background(), b, "test", sink, nil)
			defer a.Detach()
			b.Log(SourceSystem, "", "one\n")
			b.Log(SourceSystem, "", "two\n")
			So(sink.waitFor(2), ShouldBeTrue)
		})

		Convey("Detach stops delivery", func() {
			a := AttachSink(context.Background(), b, "test", sink, nil)
			So(b.Subscribers(), ShouldEqual, 1)
			a.Detach()
			a.Detach()
			select {
			case <-a.Done():
			case <-time.After(5 * time.Second):
				So("timeout", ShouldBeNil)
			}
			So(b.Subscribers(), ShouldEqual, 0)
			b.Log(SourceSystem, "", "late\n")
			time.Sleep(20 * time.Millisecond)
			So(sink.count(), ShouldEqual, 0)
		})

		Convey("Close delivers events that were already published", func() {
			slow := &recordingSink{}
			a := AttachSink(context.Background(), b, "test", SinkFunc(func(ev Event) error {
				time.Sleep(time.Millisecond)
				return slow.HandleEvent(ev)
			}), nil)
			So(a.Name(), ShouldEqual, "test")
			for i := 0; i < 50; i++ {
				b.Log(SourceSystem, "", "exit\n")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			So(a.Close(ctx), ShouldBeNil)
			So(slow.count(), ShouldEqual, 50)
			So(b.Subscribers(), ShouldEqual, 0)

			b.Log(SourceSystem, "", "late\n")
			time.Sleep(20 * time.Millisecond)
			So(slow.count(), ShouldEqual, 50)
		})

		Convey("Close gives up when its context expires", func() {
			release := make(chan struct{})
			a := AttachSink(context.Background(), b, "test", SinkFunc(func(Event) error {
				<-release
				return nil
			}), nil)
			b.Log(SourceSystem, "", "one\n")
			b.Log(SourceSystem, "", "two\n")
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			So(a.Close(ctx), ShouldEqual, context.DeadlineExceeded)
			close(release)
			select {
			case <-a.Done():
			case <-time.After(5 * time.Second):
				So("timeout", ShouldBeNil)
			}
		})

		Convey("Canceling the context detaches", func() {
			ctx, cancel := context.WithCancel(context.Background())
			a := AttachSink(ctx, b, "test", SinkFunc(func(Event) error { return nil }), nil)
			cancel()
			select {
			case <-a.Done():
			case <-time.After(5 * time.Second):
				So("timeout", ShouldBeNil)
			}
			So(b.Subscribers(), ShouldEqual, 0)
		})
	})
}
