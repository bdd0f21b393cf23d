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

	. "github.com/smartystreets/goconvey/convey"
)

func TestRegistry(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		r := NewRegistry()
		So(r.Len(), ShouldEqual, 0)

		p1 := newProcess("1", "/srv/a", "index.js", false)
		p2 := newProcess("2", "/srv/b", "bot.js", false)
		p3 := newProcess("3", "/srv/a", "index.js", true)

		So(r.Register(p1), ShouldBeNil)
		So(r.Register(p2), ShouldBeNil)
		So(r.Register(p3), ShouldBeNil)

		Convey("Ids are unique", func() {
			dup := newProcess("2", "/srv/c", "x.js", false)
			So(r.Register(dup), ShouldEqual, ErrDuplicateId)
			p, e := r.Lookup("2")
			So(e, ShouldBeNil)
			So(p, ShouldEqual, p2)
		})

		Convey("Lookup of an unknown id fails", func() {
			_, e := r.Lookup("nope")
			So(e, ShouldEqual, ErrNotFound)
		})

		Convey("List keeps registration order", func() {
			So(r.Ids(), ShouldResemble, []string{"1", "2", "3"})
			l := r.List()
			So(len(l), ShouldEqual, 3)
			So(l[0], ShouldEqual, p1)
		})

		Convey("Removal happens exactly once", func() {
			So(r.Remove("2"), ShouldBeTrue)
			So(r.Remove("2"), ShouldBeFalse)
			So(r.Ids(), ShouldResemble, []string{"1", "3"})
			So(r.Len(), ShouldEqual, 2)
		})

		Convey("FindByPath matches directory and entry", func() {
			found := r.FindByPath("/srv/a", "index.js")
			So(len(found), ShouldEqual, 2)
			So(len(r.FindByPath("/srv/b", "index.js")), ShouldEqual, 0)
		})
	})
}
