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

	"github.com/inconshreveable/log15"
)

// writeback uploads the large files that releases deposit on its queue, one
// at a time, in the order they were deposited.
type writeback struct {
	queue    *Queue[string]
	sessions *sessions
	wg       sync.WaitGroup
	log15.Logger
}

// startWriteback creates a queue of the given capacity, tells m to use it, and
// starts uploading from it in the background.
func startWriteback(m *sessions, capacity int, logger log15.Logger) *writeback {
	w := &writeback{
		queue:    NewQueue[string](capacity),
		sessions: m,
		Logger:   logger,
	}
	m.setQueue(w.queue)

	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writeback) run() {
	defer w.wg.Done()
	for {
		remotePath, ok := w.queue.Fetch()
		if !ok {
			return
		}
		w.sessions.metrics.queueDepth.Set(float64(w.queue.Len()))
		w.sessions.uploadCached(remotePath, uploadQueued)
	}
}

// stop closes the queue and waits for any upload in progress to finish.
// Anything still waiting in the queue is not uploaded; it is returned so the
// caller can say what was lost.
func (w *writeback) stop() int {
	w.sessions.setQueue(nil)
	pending := w.queue.Close()
	w.wg.Wait()
	if pending > 0 {
		w.Warn("Queued uploads abandoned", "count", pending)
	}
	w.sessions.metrics.queueDepth.Set(0)
	return pending
}
