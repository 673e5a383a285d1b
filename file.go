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
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
)

// sessionFile is the nodefs.File handed to the kernel for an open session.
// Reads and writes go straight to the session's local file; only Release()
// is ours.
type sessionFile struct {
	nodefs.File
	handle   uint64
	sessions *sessions
}

// newSessionFile wraps s for go-fuse. Read-only sessions refuse writes.
func newSessionFile(m *sessions, s *session) nodefs.File {
	var f nodefs.File = &sessionFile{
		File:     nodefs.NewLoopbackFile(s.file),
		handle:   s.handle,
		sessions: m,
	}
	if s.tempPath == "" {
		f = nodefs.NewReadOnlyFile(f)
	}
	return f
}

func (f *sessionFile) InnerFile() nodefs.File {
	return f.File
}

func (f *sessionFile) String() string {
	return fmt.Sprintf("sessionFile(%d)", f.handle)
}

// Release is called when the last reference to the file is closed; the
// session takes care of closing the underlying file.
func (f *sessionFile) Release() {
	if status := f.sessions.release(f.handle); !status.Ok() {
		f.sessions.Warn("Release failed", "handle", f.handle, "status", status)
	}
}
