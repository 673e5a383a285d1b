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
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Queue.Deposit() once the Queue has been
// closed.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a fixed capacity FIFO for handing work from any number of
// producers to a consumer. Deposit() blocks while the Queue is full and
// Fetch() blocks while it is empty. Close() wakes everyone up; items still in
// the Queue at that point are not handed out.
type Queue[T any] struct {
	items  chan T
	slots  chan struct{}
	done   chan struct{}
	mutex  sync.Mutex
	closed bool
}

// NewQueue returns a Queue that holds at most capacity items. A capacity of
// less than 1 is treated as 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		slots: make(chan struct{}, capacity),
		done:  make(chan struct{}),
	}
}

// Deposit adds item to the end of the queue, waiting for space if necessary.
// Returns ErrQueueClosed if the Queue is (or gets) closed before the item
// could be added; an item for which nil was returned is either handed out by
// Fetch() or counted by Close().
func (q *Queue[T]) Deposit(item T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	// reserve space first, so that the send below can't block
	select {
	case q.slots <- struct{}{}:
	case <-q.done:
		return ErrQueueClosed
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		<-q.slots
		return ErrQueueClosed
	}
	q.items <- item
	return nil
}

// Fetch removes and returns the item at the front of the queue, waiting for
// one to arrive if necessary. The bool is false once the Queue has been
// closed, in which case the item is the zero value.
func (q *Queue[T]) Fetch() (T, bool) {
	var zero T
	select {
	case <-q.done:
		return zero, false
	default:
	}

	select {
	case item := <-q.items:
		<-q.slots
		return item, true
	case <-q.done:
		return zero, false
	}
}

// Len returns the number of items currently waiting in the queue.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the capacity of the queue.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Close shuts the queue down, unblocking any waiting Deposit() and Fetch()
// calls. It returns the number of items that were left unfetched, which are
// discarded. Calling it more than once is harmless (later calls return 0).
func (q *Queue[T]) Close() int {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return 0
	}
	q.closed = true
	close(q.done)
	q.mutex.Unlock()

	// nothing can be added now; whatever a racing Fetch() doesn't take is
	// pending
	pending := 0
	for {
		select {
		case <-q.items:
			pending++
		default:
			return pending
		}
	}
}
