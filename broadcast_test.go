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
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// drain reads n events from s, giving up after a while.
func drain(s *Subscription, n int) []Event {
	var evs []Event
	timeout := time.After(5 * time.Second)
	for len(evs) < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			return evs
		}
	}
	return evs
}

func TestBroadcaster(t *testing.T) {
	Convey("Given a broadcaster", t, func() {
		b := NewBroadcaster(NewLog(100))

		Convey("A subscriber sees every event, once, in order", func() {
			s := b.Subscribe(0)
			defer b.Unsubscribe(s)
			So(len(s.Backlog), ShouldEqual, 0)

			for i := 0; i < 50; i++ {
				b.Log(SourceSystem, "", fmt.Sprintf("line %d\n", i))
			}
			evs := drain(s, 50)
			So(len(evs), ShouldEqual, 50)
			for i, ev := range evs {
				So(ev.Type, ShouldEqual, EventLog)
				So(ev.Log.Text, ShouldEqual, fmt.Sprintf("line %d\n", i))
				if i > 0 {
					So(ev.Seq, ShouldEqual, evs[i-1].Seq+1)
					So(ev.Log.Id, ShouldEqual, evs[i-1].Log.Id+1)
				}
			}
		})

		Convey("The backlog and the feed meet without overlap", func() {
			for i := 0; i < 5; i++ {
				b.Log("7", "stdout", fmt.Sprintf("before %d\n", i))
			}
			s := b.Subscribe(3)
			defer b.Unsubscribe(s)
			So(len(s.Backlog), ShouldEqual, 3)
			So(s.Backlog[0].Text, ShouldEqual, "before 2\n")
			So(s.Backlog[2].Text, ShouldEqual, "before 4\n")

			b.Log("7", "stdout", "after\n")
			evs := drain(s, 1)
			So(len(evs), ShouldEqual, 1)
			So(evs[0].Log.Text, ShouldEqual, "after\n")
			So(evs[0].Log.Id, ShouldEqual, s.Backlog[2].Id+1)
		})

		Convey("Concurrent publishers are seen in one order by everyone", func() {
			s1 := b.Subscribe(0)
			s2 := b.Subscribe(0)
			defer b.Unsubscribe(s1)
			defer b.Unsubscribe(s2)

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 25; i++ {
						b.Log(fmt.Sprint(w), "stdout", "x")
					}
				}(w)
			}
			wg.Wait()

			e1 := drain(s1, 100)
			e2 := drain(s2, 100)
			So(len(e1), ShouldEqual, 100)
			So(len(e2), ShouldEqual, 100)
			for i := range e1 {
				So(e1[i].Seq, ShouldEqual, e2[i].Seq)
			}
		})

		Convey("Unsubscribing closes only that feed", func() {
			s1 := b.Subscribe(0)
			s2 := b.Subscribe(0)
			So(b.Subscribers(), ShouldEqual, 2)
			b.Unsubscribe(s1)
			So(b.Subscribers(), ShouldEqual, 1)

			b.Publish(Event{Type: EventStatus, Status: StatusRunning})
			_, open := <-s1.Events()
			So(open, ShouldBeFalse)
			So(s1.Err(), ShouldBeNil)
			evs := drain(s2, 1)
			So(len(evs), ShouldEqual, 1)
			So(evs[0].Status, ShouldEqual, StatusRunning)
			b.Unsubscribe(s2)
		})

		Convey("Draining delivers what was queued, then closes", func() {
			s := b.Subscribe(0)
			for i := 0; i < 3; i++ {
				b.Log(SourceSystem, "", fmt.Sprintf("line %d\n", i))
			}
			b.Drain(s)
			So(b.Subscribers(), ShouldEqual, 0)
			b.Log(SourceSystem, "", "late\n")

			evs := drain(s, 10)
			So(len(evs), ShouldEqual, 3)
			So(evs[2].Log.Text, ShouldEqual, "line 2\n")
			_, open := <-s.Events()
			So(open, ShouldBeFalse)
			So(s.Err(), ShouldBeNil)
		})

		Convey("A subscriber that falls behind is dropped", func() {
			b.SetMaxPending(5)
			slow := b.Subscribe(0)
			fast := b.Subscribe(0)
			b.SetMaxPending(1000)
			defer b.Unsubscribe(fast)

			for i := 0; i < 20; i++ {
				b.Log(SourceSystem, "", "spam\n")
			}
			So(len(drain(fast, 20)), ShouldEqual, 20)

			// The slow feed delivers what it had, then closes.
			evs := drain(slow, 20)
			So(len(evs), ShouldBeLessThan, 20)
			So(slow.Err(), ShouldEqual, ErrSlowSubscriber)
			So(b.Subscribers(), ShouldEqual, 1)
		})

		Convey("Clear empties the ring and says so", func() {
			b.Log(SourceSystem, "", "old\n")
			s := b.Subscribe(0)
			defer b.Unsubscribe(s)
			So(len(s.Backlog), ShouldEqual, 1)

			b.Clear()
			So(len(b.Ring().Records(0)), ShouldEqual, 0)
			evs := drain(s, 1)
			So(len(evs), ShouldEqual, 1)
			So(evs[0].Type, ShouldEqual, EventLogsCleared)
		})

		Convey("Writes become system lines", func() {
			n, e := b.Write([]byte("no newline"))
			So(e, ShouldBeNil)
			So(n, ShouldEqual, len("no newline"))
			recs := b.Ring().Records(0)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Source, ShouldEqual, SourceSystem)
			So(recs[0].Text, ShouldEqual, "no newline\n")
		})
	})
}
