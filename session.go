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

// This file implements open file sessions and the crash-consistent sequence
// of renames that writes them back to the server.
//
// A file opened for writing is never written in place. Its cached copy is
// copied to a temp file "<cached>.temp.<id>" that receives all the writes.
// On release, if the content changed, the temp file is renamed to
// "<cached>.temp.<id>.recover" before anything is sent to the server, then
// renamed over the cached copy once the server has it (or once it has been
// queued for upload). So after a crash, a temp file without the .recover
// suffix can always be thrown away, while one with it must be uploaded.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/inconshreveable/log15"
	"github.com/rs/xid"
)

const (
	tempInfix     = ".temp."
	recoverSuffix = ".recover"

	// DefaultLargeFileThreshold is the size above which modified files are
	// uploaded in the background instead of during release.
	DefaultLargeFileThreshold = 160 << 20
)

// FaultPoint names a step of the write back sequence at which a
// FaultInjector gets a chance to stop things, as if we had crashed there.
type FaultPoint int

// The FaultPoints, numbered as accepted by the --crash option of the afsfys
// command.
const (
	FaultAfterUpload FaultPoint = iota + 1
	FaultBeforeUpload
	FaultAfterRecoveryMark
	FaultBeforeEnqueue
	FaultBeforeRecoveryMark
)

func (p FaultPoint) String() string {
	switch p {
	case FaultAfterUpload:
		return "after upload"
	case FaultBeforeUpload:
		return "before upload"
	case FaultAfterRecoveryMark:
		return "after recovery mark"
	case FaultBeforeEnqueue:
		return "before enqueue"
	case FaultBeforeRecoveryMark:
		return "before recovery mark"
	}
	return fmt.Sprintf("FaultPoint(%d)", int(p))
}

// FaultInjector is called at each FaultPoint during release of a modified
// file. Returning an error abandons the release right there, leaving the
// cache as a crash at that point would.
type FaultInjector func(FaultPoint) error

type sessionState int

const (
	stateReadOnly sessionState = iota
	stateShadowed
	stateRecoveryMarked
	stateCommitted
	stateQueued
	stateAbandoned
)

// session is one open file.
type session struct {
	handle     uint64
	remotePath string
	file       *os.File
	tempPath   string    // empty for read-only sessions
	baseMtime  time.Time // mtime of the shadow when it was made
	state      sessionState
}

// sessions keeps track of the open sessions, handing out handles that are
// never reused.
type sessions struct {
	mutex     sync.Mutex
	table     map[uint64]*session
	last      uint64
	cache     *cache
	remote    *remote
	queue     *Queue[string]
	threshold int64
	faults    FaultInjector
	metrics   *metrics
	log15.Logger
}

func newSessions(c *cache, r *remote, threshold int64, faults FaultInjector, m *metrics, logger log15.Logger) *sessions {
	if threshold <= 0 {
		threshold = DefaultLargeFileThreshold
	}
	return &sessions{
		table:     make(map[uint64]*session),
		cache:     c,
		remote:    r,
		threshold: threshold,
		faults:    faults,
		metrics:   m,
		Logger:    logger,
	}
}

// setQueue sets the queue that large files are deposited on.
func (m *sessions) setQueue(q *Queue[string]) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queue = q
}

func (m *sessions) register(s *session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.last++
	s.handle = m.last
	m.table[s.handle] = s
}

func (m *sessions) get(handle uint64) *session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.table[handle]
}

func (m *sessions) forget(handle uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.table, handle)
}

// count returns the number of sessions still open.
func (m *sessions) count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.table)
}

// fault consults the FaultInjector, if any.
func (m *sessions) fault(p FaultPoint) error {
	if m.faults == nil {
		return nil
	}
	if err := m.faults(p); err != nil {
		m.Warn("Write back stopped by fault injection", "point", p.String(), "err", err)
		return err
	}
	return nil
}

// wantsWrite says if open flags allow any kind of modification.
func wantsWrite(flags uint32) bool {
	f := int(flags)
	return f&os.O_WRONLY != 0 || f&os.O_RDWR != 0 || f&os.O_APPEND != 0 || f&os.O_CREATE != 0 || f&os.O_TRUNC != 0
}

// open starts a session on remotePath, first getting it in to the cache if
// necessary. Sessions that can write get their own shadow copy.
func (m *sessions) open(remotePath string, flags uint32) (*session, fuse.Status) {
	mutex, err := m.cache.lock(remotePath)
	if err != nil {
		return nil, fuse.EIO
	}
	defer unlock(mutex)

	if !m.cache.isCached(remotePath) {
		// let the server say if this access is allowed before downloading
		if status := m.remote.open(remotePath, flags&uint32(os.O_RDONLY|os.O_WRONLY|os.O_RDWR)); status != fuse.OK {
			return nil, status
		}
		if status := m.cache.fetchFile(remotePath); status != fuse.OK {
			return nil, status
		}
	}

	local := m.cache.cachedPath(remotePath)
	openFlags := int(flags) &^ (os.O_CREATE | os.O_EXCL)

	if !wantsWrite(flags) {
		f, err := os.OpenFile(local, openFlags, 0)
		if err != nil {
			m.Error("Could not open cached file", "path", local, "err", err)
			return nil, fuse.ToStatus(err)
		}
		s := &session{remotePath: remotePath, file: f, state: stateReadOnly}
		m.register(s)
		return s, fuse.OK
	}

	temp := local + tempInfix + xid.New().String()
	atime, mtime, err := fileTimes(local)
	if err == nil {
		err = copyFile(local, temp)
	}
	if err == nil {
		err = setTimes(temp, atime, mtime)
	}
	if err != nil {
		m.Error("Could not make shadow copy", "path", local, "err", err)
		os.Remove(temp)
		return nil, fuse.ToStatus(err)
	}

	f, err := os.OpenFile(temp, openFlags, fileMode)
	if err != nil {
		m.Error("Could not open shadow copy", "path", temp, "err", err)
		os.Remove(temp)
		return nil, fuse.ToStatus(err)
	}

	s := &session{
		remotePath: remotePath,
		file:       f,
		tempPath:   temp,
		baseMtime:  mtime,
		state:      stateShadowed,
	}
	m.register(s)
	m.Info("Opened shadow", "path", remotePath, "handle", s.handle)
	return s, fuse.OK
}

// copyFile copies the content and permissions of src to the new file dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// release ends the session with the given handle. If its shadow was modified,
// the new content is written back to the server: synchronously for files up
// to our threshold in size, otherwise via the upload queue.
func (m *sessions) release(handle uint64) fuse.Status {
	s := m.get(handle)
	if s == nil {
		return fuse.EBADF
	}
	defer m.forget(handle)

	if s.tempPath == "" {
		return fuse.ToStatus(s.file.Close())
	}

	// the decision is made on what the file looks like once every write
	// has reached it
	if err := s.file.Sync(); err != nil {
		m.Warn("Could not sync shadow", "path", s.tempPath, "err", err)
	}
	modified := true
	var size int64
	if info, err := s.file.Stat(); err == nil {
		modified = !info.ModTime().Equal(s.baseMtime)
		size = info.Size()
	} else {
		m.Warn("Could not stat shadow; assuming it was modified", "path", s.tempPath, "err", err)
	}

	if !modified {
		m.closeFile(s, s.tempPath)
		if err := os.Remove(s.tempPath); err != nil {
			m.Warn("Could not remove unmodified shadow", "path", s.tempPath, "err", err)
		}
		m.Info("Released unmodified", "path", s.remotePath, "handle", handle)
		return fuse.OK
	}

	if err := m.fault(FaultBeforeRecoveryMark); err != nil {
		return m.abandon(s)
	}

	marker := s.tempPath + recoverSuffix
	if err := os.Rename(s.tempPath, marker); err != nil {
		m.Error("Could not create recovery marker", "path", s.tempPath, "err", err)
		s.file.Close()
		s.state = stateAbandoned
		return fuse.ToStatus(err)
	}
	s.state = stateRecoveryMarked
	m.closeFile(s, marker)

	if err := m.fault(FaultAfterRecoveryMark); err != nil {
		s.state = stateAbandoned
		return fuse.EIO
	}

	if size > m.threshold {
		return m.releaseLarge(s, marker)
	}
	return m.releaseSmall(s, marker)
}

// closeFile closes s's file, which is now at path; failure is only logged,
// since all that is left to do is with path itself.
func (m *sessions) closeFile(s *session, path string) {
	if err := s.file.Close(); err != nil {
		m.Warn("Could not close shadow", "path", path, "err", err)
	}
}

// abandon closes a session's file without going any further.
func (m *sessions) abandon(s *session) fuse.Status {
	s.file.Close()
	s.state = stateAbandoned
	return fuse.EIO
}

// releaseSmall uploads the recovery marker, then puts it in place as the new
// cached copy.
func (m *sessions) releaseSmall(s *session, marker string) fuse.Status {
	if err := m.fault(FaultBeforeUpload); err != nil {
		s.state = stateAbandoned
		return fuse.EIO
	}

	if status := m.remote.uploadFile(marker, s.remotePath); status != fuse.OK {
		m.Error("Upload failed; leaving recovery marker for the next mount", "path", s.remotePath, "marker", marker, "status", status)
		return status
	}
	m.metrics.uploads.WithLabelValues(uploadSync).Inc()

	if err := m.fault(FaultAfterUpload); err != nil {
		s.state = stateAbandoned
		return fuse.EIO
	}

	if status := m.commit(s.remotePath, marker); status != fuse.OK {
		return status
	}
	s.state = stateCommitted
	m.cache.syncTimes(s.remotePath)
	m.Info("Released and uploaded", "path", s.remotePath, "handle", s.handle)
	return fuse.OK
}

// releaseLarge puts the recovery marker in place as the new cached copy, then
// queues the cached copy for upload. If the queue has been closed we upload
// it ourselves.
func (m *sessions) releaseLarge(s *session, marker string) fuse.Status {
	if err := m.fault(FaultBeforeEnqueue); err != nil {
		s.state = stateAbandoned
		return fuse.EIO
	}

	if status := m.commit(s.remotePath, marker); status != fuse.OK {
		return status
	}

	m.mutex.Lock()
	q := m.queue
	m.mutex.Unlock()

	if q != nil {
		if err := q.Deposit(s.remotePath); err == nil {
			s.state = stateQueued
			m.metrics.queueDepth.Set(float64(q.Len()))
			m.Info("Released and queued for upload", "path", s.remotePath, "handle", s.handle)
			return fuse.OK
		}
	}

	m.Warn("Upload queue unavailable, uploading now", "path", s.remotePath)
	if status := m.uploadCached(s.remotePath, uploadSync); status != fuse.OK {
		return status
	}
	s.state = stateCommitted
	return fuse.OK
}

// commit renames marker over remotePath's cached copy.
func (m *sessions) commit(remotePath, marker string) fuse.Status {
	mutex, err := m.cache.lock(remotePath)
	if err != nil {
		return fuse.EIO
	}
	defer unlock(mutex)

	if err = os.Rename(marker, m.cache.cachedPath(remotePath)); err != nil {
		m.Error("Could not replace cached file", "path", remotePath, "marker", marker, "err", err)
		return fuse.ToStatus(err)
	}
	m.retireMarkers(remotePath)
	return fuse.OK
}

// retireMarkers deletes the recovery markers of remotePath left behind by
// earlier releases whose upload failed: what was just committed was made from
// a later copy, so recovering theirs would undo it. Markers of sessions that
// are part way through releasing are left alone. Call with remotePath locked.
func (m *sessions) retireMarkers(remotePath string) {
	dir, base := filepath.Split(m.cache.cachedPath(remotePath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.Warn("Could not look for old recovery markers", "path", remotePath, "err", err)
		return
	}

	live := make(map[string]bool)
	m.mutex.Lock()
	for _, s := range m.table {
		if s.tempPath != "" {
			live[filepath.Base(s.tempPath)+recoverSuffix] = true
		}
	}
	m.mutex.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		parts := artifactRegexp.FindStringSubmatch(name)
		if parts == nil || parts[1] != base || parts[3] == "" || live[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			m.Warn("Could not remove superseded recovery marker", "path", remotePath, "marker", name, "err", err)
			continue
		}
		m.Warn("Removed superseded recovery marker", "path", remotePath, "marker", name)
	}
}

// uploadCached uploads the cached copy of remotePath, then gives the cached
// copy the server's new times.
func (m *sessions) uploadCached(remotePath, mode string) fuse.Status {
	status := m.remote.uploadFile(m.cache.cachedPath(remotePath), remotePath)
	if status != fuse.OK {
		m.Error("Upload failed", "path", remotePath, "mode", mode, "status", status)
		return status
	}
	m.metrics.uploads.WithLabelValues(mode).Inc()
	m.cache.syncTimes(remotePath)
	return fuse.OK
}
