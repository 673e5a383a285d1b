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

// This file implements the local whole-file cache that mirrors the server's
// namespace.

import (
	"os"
	"path/filepath"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/inconshreveable/log15"
	"golang.org/x/sys/unix"
)

const lockPrefix = ".afsfys_lock."

type cache struct {
	root    string
	remote  *remote
	metrics *metrics
	log15.Logger
}

func newCache(root string, r *remote, m *metrics, logger log15.Logger) *cache {
	return &cache{root: root, remote: r, metrics: m, Logger: logger.New("cache", root)}
}

// cachedPath returns where remotePath lives in the cache. Cleaning it as if
// absolute first means the result is always under our root.
func (c *cache) cachedPath(remotePath string) string {
	return filepath.Join(c.root, filepath.Clean("/"+remotePath))
}

// remotePathOf is the inverse of cachedPath().
func (c *cache) remotePathOf(localPath string) (string, error) {
	rel, err := filepath.Rel(c.root, localPath)
	if err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(rel), nil
}

// isCached says if we have remotePath in the cache. Directories are trusted
// as-is. For anything else we check with the server, and if its copy is
// strictly newer than ours we fetch it again before answering. If the server
// can't be asked we carry on with what we have.
func (c *cache) isCached(remotePath string) bool {
	info, err := os.Lstat(c.cachedPath(remotePath))
	if err != nil {
		return false
	}
	if info.IsDir() {
		return true
	}
	c.correctStaleness(remotePath, info.ModTime())
	return true
}

// correctStaleness re-fetches remotePath if the server's mtime is after
// localMtime, returning true if it did so.
func (c *cache) correctStaleness(remotePath string, localMtime time.Time) bool {
	attr, status := c.remote.getAttr(remotePath)
	if status != fuse.OK {
		c.Warn("Could not check if cached file is stale", "path", remotePath, "status", status)
		return false
	}

	remoteMtime := time.Unix(int64(attr.Mtime), int64(attr.Mtimensec))
	if !remoteMtime.After(localMtime) {
		return false
	}

	c.Info("Cached file is stale", "path", remotePath, "local", localMtime, "remote", remoteMtime)
	c.metrics.refetches.Inc()
	c.fetchFile(remotePath)
	return true
}

// mirrorDirectoryStructure creates any local directories missing between our
// root and the parent of remotePath. It stops looking as soon as it finds an
// ancestor that exists, so is cheap to call repeatedly.
func (c *cache) mirrorDirectoryStructure(remotePath string) {
	var missing []string
	for dir := filepath.Dir(c.cachedPath(remotePath)); len(dir) > len(c.root); dir = filepath.Dir(dir) {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		missing = append(missing, dir)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], dirMode); err != nil && !os.IsExist(err) {
			c.Error("Could not create cache directory", "path", missing[i], "err", err)
			return
		}
	}
}

// fetchFile downloads remotePath in to the cache, then gives it the server's
// times so that later staleness checks compare like with like.
func (c *cache) fetchFile(remotePath string) fuse.Status {
	c.mirrorDirectoryStructure(remotePath)
	if status := c.remote.downloadFile(remotePath, c.cachedPath(remotePath)); status != fuse.OK {
		c.Error("Could not fetch file", "path", remotePath, "status", status)
		return status
	}
	c.metrics.fetches.Inc()
	return c.syncTimes(remotePath)
}

// syncTimes copies the server's atime and mtime for remotePath on to our
// cached copy.
func (c *cache) syncTimes(remotePath string) fuse.Status {
	attr, status := c.remote.getAttr(remotePath)
	if status != fuse.OK {
		return status
	}
	atime := time.Unix(int64(attr.Atime), int64(attr.Atimensec))
	mtime := time.Unix(int64(attr.Mtime), int64(attr.Mtimensec))
	if err := setTimes(c.cachedPath(remotePath), atime, mtime); err != nil {
		c.Error("Could not set times of cached file", "path", remotePath, "err", err)
		return fuse.ToStatus(err)
	}
	return fuse.OK
}

// lock returns a locked file mutex for remotePath's cached copy. Unlock() it
// when done.
func (c *cache) lock(remotePath string) (*filemutex.FileMutex, error) {
	c.mirrorDirectoryStructure(remotePath)
	local := c.cachedPath(remotePath)
	mutex, err := filemutex.New(filepath.Join(filepath.Dir(local), lockPrefix+filepath.Base(local)))
	if err != nil {
		c.Error("Could not create lock file", "path", local, "err", err)
		return nil, err
	}
	if err = mutex.Lock(); err != nil {
		mutex.Close()
		return nil, err
	}
	return mutex, nil
}

// unlock releases and closes a mutex from lock().
func unlock(mutex *filemutex.FileMutex) {
	mutex.Unlock()
	mutex.Close()
}

// setTimes sets the access and modification times of path, without following
// symlinks.
func setTimes(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

// fileTimes returns the access and modification times of path.
func fileTimes(path string) (atime, mtime time.Time, err error) {
	var st unix.Stat_t
	if err = unix.Lstat(path, &st); err != nil {
		return
	}
	atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	return
}
