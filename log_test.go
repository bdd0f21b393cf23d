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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("Given a log with room for three records", t, func() {
		l := NewLog(3)
		So(l.Cap(), ShouldEqual, 3)
		So(l.Len(), ShouldEqual, 0)
		So(len(l.Records(0)), ShouldEqual, 0)

		Convey("Ids increase with every append", func() {
			a := l.Append(LogRecord{Source: SourceSystem, Text: "a\n"})
			b := l.Append(LogRecord{Source: SourceSystem, Text: "b\n"})
			So(b.Id, ShouldEqual, a.Id+1)
			So(a.Time.IsZero(), ShouldBeFalse)
			So(l.Len(), ShouldEqual, 2)
		})

		Convey("Overflow keeps the newest records, oldest first", func() {
			for _, s := range []string{"1", "2", "3", "4", "5"} {
				l.Append(LogRecord{Source: SourceSystem, Text: s})
			}
			recs := l.Records(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "3")
			So(recs[1].Text, ShouldEqual, "4")
			So(recs[2].Text, ShouldEqual, "5")
			So(l.Len(), ShouldEqual, 3)

			Convey("A limit returns only the most recent", func() {
				recs := l.Records(2)
				So(len(recs), ShouldEqual, 2)
				So(recs[0].Text, ShouldEqual, "4")
				So(recs[1].Text, ShouldEqual, "5")
			})

			Convey("Clear empties it without reusing ids", func() {
				last := recs[2].Id
				l.Clear()
				So(len(l.Records(0)), ShouldEqual, 0)
				So(l.Len(), ShouldEqual, 0)
				rec := l.Append(LogRecord{Text: "again"})
				So(rec.Id, ShouldBeGreaterThan, last)
			})
		})

		Convey("GetRecords reports changes by etag", func() {
			l.Append(LogRecord{Text: "x"})
			recs, etag := l.GetRecords(0)
			So(len(recs), ShouldEqual, 1)

			recs, etag2 := l.GetRecords(etag)
			So(recs, ShouldBeNil)
			So(etag2, ShouldEqual, etag)

			l.Append(LogRecord{Text: "y"})
			recs, etag2 = l.GetRecords(etag)
			So(len(recs), ShouldEqual, 2)
			So(etag2, ShouldNotEqual, etag)
		})

		Convey("Watch wakes on change", func() {
			_, etag := l.GetRecords(0)
			go func() {
				time.Sleep(20 * time.Millisecond)
				l.Append(LogRecord{Text: "wake"})
			}()
			start := time.Now()
			next := l.Watch(etag, 5*time.Second)
			So(next, ShouldNotEqual, etag)
			So(time.Since(start), ShouldBeLessThan, 4*time.Second)
		})

		Convey("Watch gives up when it expires", func() {
			_, etag := l.GetRecords(0)
			So(l.Watch(etag, 20*time.Millisecond), ShouldEqual, etag)
		})
	})

	Convey("Display lines", t, func() {
		So(LogRecord{Source: SourceSystem, Text: "up\n"}.Line(), ShouldEqual, "up\n")
		So(LogRecord{Source: SourceCommand, Text: "$ ls\n"}.Line(), ShouldEqual, "$ ls\n")
		So(LogRecord{Source: "1700000000001", Text: "hi\n"}.Line(), ShouldEqual, "[1700000000001] hi\n")
	})

	Convey("A zero capacity selects the default", t, func() {
		So(NewLog(0).Cap(), ShouldEqual, MaxLogRecords)
	})
}
