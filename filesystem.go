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

// This file implements pathfs.FileSystem methods.

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"golang.org/x/sys/unix"
)

const (
	blockSize   = uint64(4096)
	totalBlocks = uint64(274877906944) // 1PB / blockSize
	inodes      = uint64(1000000000)
	ioSize      = uint32(1048576) // 1MB
)

// serverPath converts a name from go-fuse, which is relative to the mount
// point, to the path the server knows it by.
func serverPath(name string) string {
	return "/" + name
}

// StatFs returns a constant (faked) set of details describing a very large
// file system.
func (fs *AfsFys) StatFs(name string) *fuse.StatfsOut {
	return &fuse.StatfsOut{
		Blocks: totalBlocks,
		Bfree:  totalBlocks,
		Bavail: totalBlocks,
		Files:  inodes,
		Ffree:  inodes,
		Bsize:  ioSize,
	}
}

// GetAttr describes the given object. If we have it cached, our (up to date)
// copy answers, so that changes still being uploaded are already visible;
// otherwise the server is asked. context is not currently used.
func (fs *AfsFys) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	path := serverPath(name)
	if attr := fs.cachedAttr(path); attr != nil {
		return attr, fuse.OK
	}
	return fs.remote.getAttr(path)
}

// cachedAttr returns the attributes of our cached copy of path, or nil if we
// don't have one. Regular files are checked for staleness first.
func (fs *AfsFys) cachedAttr(path string) *fuse.Attr {
	local := fs.cache.cachedPath(path)
	info, err := os.Lstat(local)
	if err != nil {
		return nil
	}

	if info.Mode().IsRegular() {
		mutex, err := fs.cache.lock(path)
		if err != nil {
			return nil
		}
		defer unlock(mutex)
		if !fs.cache.isCached(path) {
			return nil
		}
		if info, err = os.Lstat(local); err != nil {
			return nil
		}
	}
	return fuse.ToAttr(info)
}

// OpenDir gets the contents of the given directory from the server. context
// is not currently used.
func (fs *AfsFys) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	return fs.remote.readDir(serverPath(name))
}

// Open opens a session on the cached copy of the file, fetching it first if
// we don't have it or our copy is out of date. Writes go to a private copy
// that is only sent to the server on Release(). context is not currently
// used.
func (fs *AfsFys) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	s, status := fs.sessions.open(serverPath(name), flags)
	if status != fuse.OK {
		return nil, status
	}
	return newSessionFile(fs.sessions, s), fuse.OK
}

// Create creates a new file on the server and an empty cached copy, then
// opens it. The cached copy is always given our own fileMode; mode is only
// applied on the server. context is not currently used.
func (fs *AfsFys) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	path := serverPath(name)
	if status := fs.remote.create(path, flags, mode); status != fuse.OK {
		return nil, status
	}

	mutex, err := fs.cache.lock(path)
	if err != nil {
		return nil, fuse.EIO
	}
	local := fs.cache.cachedPath(path)
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		unlock(mutex)
		fs.Error("Could not create cached file", "path", local, "err", err)
		return nil, fuse.ToStatus(err)
	}
	fs.cache.syncTimes(path)
	unlock(mutex)

	return fs.Open(name, flags, context)
}

// Truncate truncates the file on the server by writing back a truncated
// copy, just as if it had been opened, truncated and closed. context is not
// currently used.
func (fs *AfsFys) Truncate(name string, size uint64, context *fuse.Context) fuse.Status {
	s, status := fs.sessions.open(serverPath(name), uint32(os.O_WRONLY))
	if status != fuse.OK {
		return status
	}
	if err := s.file.Truncate(int64(size)); err != nil {
		fs.sessions.release(s.handle)
		return fuse.ToStatus(err)
	}
	return fs.sessions.release(s.handle)
}

// Mkdir makes the directory on the server, then in the cache. context is not
// currently used.
func (fs *AfsFys) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	path := serverPath(name)
	if status := fs.remote.mkdir(path, mode); status != fuse.OK {
		return status
	}

	fs.cache.mirrorDirectoryStructure(path)
	local := fs.cache.cachedPath(path)
	if err := os.Mkdir(local, dirMode); err != nil && !os.IsExist(err) {
		fs.Warn("Could not create cached directory", "path", local, "err", err)
	}
	return fuse.OK
}

// Rmdir removes the directory from the server, then from the cache. context
// is not currently used.
func (fs *AfsFys) Rmdir(name string, context *fuse.Context) fuse.Status {
	path := serverPath(name)
	if status := fs.remote.rmdir(path); status != fuse.OK {
		return status
	}

	// the server had nothing in it, so all that can be left locally is our
	// own lock files and stale copies
	local := fs.cache.cachedPath(path)
	if err := os.RemoveAll(local); err != nil {
		fs.Warn("Could not remove cached directory", "path", local, "err", err)
	}
	return fuse.OK
}

// Unlink deletes the file from the server, then from the cache. context is not
// currently used.
func (fs *AfsFys) Unlink(name string, context *fuse.Context) fuse.Status {
	path := serverPath(name)
	if status := fs.remote.unlink(path); status != fuse.OK {
		return status
	}

	local := fs.cache.cachedPath(path)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		fs.Warn("Could not remove cached file", "path", local, "err", err)
	}
	os.Remove(filepath.Join(filepath.Dir(local), lockPrefix+filepath.Base(local)))
	return fuse.OK
}

// Rename renames on the server, then in the cache. If the cached copy can't
// be renamed it is removed, to be fetched again on next use. context is not
// currently used.
func (fs *AfsFys) Rename(oldName string, newName string, context *fuse.Context) fuse.Status {
	oldPath, newPath := serverPath(oldName), serverPath(newName)
	if status := fs.remote.rename(oldPath, newPath, 0); status != fuse.OK {
		return status
	}

	fs.cache.mirrorDirectoryStructure(newPath)
	oldLocal, newLocal := fs.cache.cachedPath(oldPath), fs.cache.cachedPath(newPath)
	if err := os.Rename(oldLocal, newLocal); err != nil && !os.IsNotExist(err) {
		fs.Warn("Could not rename cached file", "old", oldLocal, "new", newLocal, "err", err)
		os.RemoveAll(oldLocal)
		os.RemoveAll(newLocal)
	}
	return fuse.OK
}

// Utimens sets the times of the file on the server, then of our cached copy
// if we have one, so that both agree and GetAttr() reports the new times.
// Times not supplied are kept as they were. context is not currently used.
func (fs *AfsFys) Utimens(name string, Atime *time.Time, Mtime *time.Time, context *fuse.Context) fuse.Status {
	path := serverPath(name)
	local := fs.cache.cachedPath(path)

	_, err := os.Lstat(local)
	cached := err == nil
	var atime, mtime time.Time
	if cached {
		atime, mtime, err = fileTimes(local)
		if err != nil {
			return fuse.ToStatus(err)
		}
	} else {
		attr, status := fs.remote.getAttr(path)
		if status != fuse.OK {
			return status
		}
		atime = time.Unix(int64(attr.Atime), int64(attr.Atimensec))
		mtime = time.Unix(int64(attr.Mtime), int64(attr.Mtimensec))
	}
	if Atime != nil {
		atime = *Atime
	}
	if Mtime != nil {
		mtime = *Mtime
	}

	if status := fs.remote.utimens(path, atime, mtime); status != fuse.OK {
		return status
	}
	if cached {
		if err := setTimes(local, atime, mtime); err != nil {
			return fuse.ToStatus(err)
		}
	}
	return fuse.OK
}

// Mknod makes a fifo or other special file on the server, then in the cache.
// context is not currently used.
func (fs *AfsFys) Mknod(name string, mode uint32, dev uint32, context *fuse.Context) fuse.Status {
	path := serverPath(name)
	if status := fs.remote.mknod(path, mode, uint64(dev)); status != fuse.OK {
		return status
	}

	fs.cache.mirrorDirectoryStructure(path)
	local := fs.cache.cachedPath(path)
	var err error
	if mode&unix.S_IFMT == unix.S_IFIFO {
		err = unix.Mkfifo(local, mode&^unix.S_IFMT)
	} else {
		err = unix.Mknod(local, mode, int(dev))
	}
	if err != nil {
		fs.Warn("Could not create cached node", "path", local, "err", err)
	}
	return fuse.OK
}

// Access is ignored; the server decides what we can do.
func (fs *AfsFys) Access(name string, mode uint32, context *fuse.Context) fuse.Status {
	return fuse.OK
}

// Chmod is ignored.
func (fs *AfsFys) Chmod(name string, mode uint32, context *fuse.Context) fuse.Status {
	return fuse.OK
}

// Chown is ignored.
func (fs *AfsFys) Chown(name string, uid uint32, gid uint32, context *fuse.Context) fuse.Status {
	return fuse.OK
}
