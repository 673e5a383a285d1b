// Copyright © 2024 Genome Research Limited
//
//  This file is part of afsfys.
//
//  afsfys is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  afsfys is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with afsfys. If not, see <http://www.gnu.org/licenses/>.

package afsfys

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestQueue(t *testing.T) {
	Convey("You can make a Queue with a capacity", t, func() {
		q := NewQueue[string](2)
		So(q.Cap(), ShouldEqual, 2)
		So(q.Len(), ShouldEqual, 0)

		Convey("Items come out in the order they went in", func() {
			So(q.Deposit("a"), ShouldBeNil)
			So(q.Deposit("b"), ShouldBeNil)
			So(q.Len(), ShouldEqual, 2)

			item, ok := q.Fetch()
			So(ok, ShouldBeTrue)
			So(item, ShouldEqual, "a")
			item, ok = q.Fetch()
			So(ok, ShouldBeTrue)
			So(item, ShouldEqual, "b")
			So(q.Len(), ShouldEqual, 0)
		})

		Convey("Deposit() blocks while the Queue is full, until something is fetched", func() {
			So(q.Deposit("a"), ShouldBeNil)
			So(q.Deposit("b"), ShouldBeNil)

			done := make(chan error)
			go func() {
				done <- q.Deposit("c")
			}()

			select {
			case <-done:
				So("deposit did not block", ShouldBeEmpty)
			case <-time.After(100 * time.Millisecond):
			}

			item, ok := q.Fetch()
			So(ok, ShouldBeTrue)
			So(item, ShouldEqual, "a")

			select {
			case err := <-done:
				So(err, ShouldBeNil)
			case <-time.After(time.Second):
				So("deposit never unblocked", ShouldBeEmpty)
			}
			So(q.Len(), ShouldEqual, 2)
		})

		Convey("Fetch() blocks while the Queue is empty, until something is deposited", func() {
			got := make(chan string)
			go func() {
				item, _ := q.Fetch()
				got <- item
			}()

			select {
			case <-got:
				So("fetch did not block", ShouldBeEmpty)
			case <-time.After(100 * time.Millisecond):
			}

			So(q.Deposit("a"), ShouldBeNil)
			select {
			case item := <-got:
				So(item, ShouldEqual, "a")
			case <-time.After(time.Second):
				So("fetch never unblocked", ShouldBeEmpty)
			}
		})

		Convey("Close() wakes a waiting consumer, which then sees the end", func() {
			got := make(chan bool)
			go func() {
				_, ok := q.Fetch()
				got <- ok
			}()
			<-time.After(50 * time.Millisecond)

			So(q.Close(), ShouldEqual, 0)
			select {
			case ok := <-got:
				So(ok, ShouldBeFalse)
			case <-time.After(time.Second):
				So("fetch never unblocked", ShouldBeEmpty)
			}

			_, ok := q.Fetch()
			So(ok, ShouldBeFalse)
		})

		Convey("Close() wakes a blocked producer, which gets an error", func() {
			So(q.Deposit("a"), ShouldBeNil)
			So(q.Deposit("b"), ShouldBeNil)

			done := make(chan error)
			go func() {
				done <- q.Deposit("c")
			}()
			<-time.After(50 * time.Millisecond)

			So(q.Close(), ShouldEqual, 2)
			select {
			case err := <-done:
				So(err, ShouldEqual, ErrQueueClosed)
			case <-time.After(time.Second):
				So("deposit never unblocked", ShouldBeEmpty)
			}
		})

		Convey("After Close(), pending items are not handed out", func() {
			So(q.Deposit("a"), ShouldBeNil)
			So(q.Close(), ShouldEqual, 1)

			_, ok := q.Fetch()
			So(ok, ShouldBeFalse)
			So(q.Deposit("b"), ShouldEqual, ErrQueueClosed)

			Convey("Closing again is harmless", func() {
				So(q.Close(), ShouldEqual, 0)
			})
		})
	})

	Convey("Closing while producers and a consumer are busy loses nothing", t, func() {
		q := NewQueue[int](4)
		var accepted, fetched int64

		consumed := make(chan struct{})
		go func() {
			defer close(consumed)
			for {
				if _, ok := q.Fetch(); !ok {
					return
				}
				atomic.AddInt64(&fetched, 1)
			}
		}()

		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					if q.Deposit(i) != nil {
						return
					}
					atomic.AddInt64(&accepted, 1)
				}
			}()
		}

		<-time.After(5 * time.Millisecond)
		pending := q.Close()
		wg.Wait()
		<-consumed

		So(atomic.LoadInt64(&accepted), ShouldEqual, atomic.LoadInt64(&fetched)+int64(pending))
		So(q.Deposit(1), ShouldEqual, ErrQueueClosed)
	})

	Convey("A Queue always has room for at least one item", t, func() {
		q := NewQueue[int](0)
		So(q.Cap(), ShouldEqual, 1)
		So(q.Deposit(1), ShouldBeNil)
	})
}
