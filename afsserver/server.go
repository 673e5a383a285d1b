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

/*
Package afsserver implements the remote store side of afsfys: an
afsrpc.AFSServer whose every call is a thin pass-through to the same call on a
local root directory.

    srv, err := afsserver.New("/data/afs", log15.New())
    gs := grpc.NewServer()
    afsrpc.RegisterAFSServer(gs, srv)
    gs.Serve(listener)
*/
package afsserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/afsfys/afsrpc"
	"github.com/inconshreveable/log15"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const dirMode = 0755

// Server serves the files under a root directory.
type Server struct {
	root string
	log15.Logger
}

// New returns a Server for the given root directory, which will be created if
// necessary.
func New(root string, logger log15.Logger) (*Server, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("could not create server root %s: %w", root, err)
	}
	return &Server{root: root, Logger: logger.New("root", root)}, nil
}

// Root returns the absolute path of the directory being served.
func (s *Server) Root() string {
	return s.root
}

// localPath converts a client path to a path under our root; cleaning it as
// if absolute first means ".." can never escape the root.
func (s *Server) localPath(path string) string {
	return filepath.Join(s.root, filepath.Clean("/"+path))
}

// errno extracts the errno from err, defaulting to EIO.
func errno(err error) int32 {
	if err == nil {
		return 0
	}
	var en syscall.Errno
	if errors.As(err, &en) {
		return int32(en)
	}
	return int32(syscall.EIO)
}

// streamError converts a local error in to a gRPC status for the streamed
// calls, which have no Err field to report with.
func streamError(err error) error {
	switch {
	case os.IsNotExist(err):
		return status.Error(codes.NotFound, err.Error())
	case os.IsPermission(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, syscall.ENOSPC):
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	return status.Error(codes.Aborted, err.Error())
}

// GetAttr lstats the path.
func (s *Server) GetAttr(ctx context.Context, in *afsrpc.Path) (*afsrpc.Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(s.localPath(in.Path), &st); err != nil {
		return &afsrpc.Attr{Err: errno(err)}, nil
	}
	return &afsrpc.Attr{
		Ino:       st.Ino,
		Mode:      st.Mode,
		Nlink:     uint64(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Size:      st.Size,
		Blksize:   int64(st.Blksize),
		Blocks:    st.Blocks,
		Atime:     st.Atim.Sec,
		Mtime:     st.Mtim.Sec,
		Ctime:     st.Ctim.Sec,
		Atimensec: st.Atim.Nsec,
		Mtimensec: st.Mtim.Nsec,
		Ctimensec: st.Ctim.Nsec,
	}, nil
}

// ReadDir streams the entries of the directory.
func (s *Server) ReadDir(in *afsrpc.Path, stream afsrpc.ReadDirServer) error {
	dir := s.localPath(in.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return stream.Send(&afsrpc.Dirent{Err: errno(err)})
	}

	for _, entry := range entries {
		d := &afsrpc.Dirent{Name: entry.Name()}
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(dir, entry.Name()), &st); err == nil {
			d.Ino = st.Ino
			d.Type = (st.Mode & unix.S_IFMT) >> 12
		}
		if err := stream.Send(d); err != nil {
			return err
		}
	}
	return nil
}

// Open checks the path can be opened with the given flags; nothing is kept
// open.
func (s *Server) Open(ctx context.Context, in *afsrpc.OpenRequest) (*afsrpc.OpenResult, error) {
	fd, err := unix.Open(s.localPath(in.Path), int(in.Flags), 0)
	if err != nil {
		return &afsrpc.OpenResult{Err: errno(err)}, nil
	}
	unix.Close(fd)
	return &afsrpc.OpenResult{Fh: uint64(fd)}, nil
}

// Read preads from the path.
func (s *Server) Read(ctx context.Context, in *afsrpc.ReadRequest) (*afsrpc.ReadResult, error) {
	f, err := os.Open(s.localPath(in.Path))
	if err != nil {
		return &afsrpc.ReadResult{Err: errno(err)}, nil
	}
	defer f.Close()

	buf := make([]byte, in.Size)
	n, err := f.ReadAt(buf, in.Offset)
	if err != nil && err != io.EOF {
		return &afsrpc.ReadResult{Err: errno(err)}, nil
	}
	return &afsrpc.ReadResult{Bytes: int32(n), Buffer: buf[:n]}, nil
}

// Write pwrites to the path.
func (s *Server) Write(ctx context.Context, in *afsrpc.WriteRequest) (*afsrpc.WriteResult, error) {
	f, err := os.OpenFile(s.localPath(in.Path), os.O_WRONLY, 0)
	if err != nil {
		return &afsrpc.WriteResult{Err: errno(err)}, nil
	}
	defer f.Close()

	size := int(in.Size)
	if size > len(in.Buffer) {
		size = len(in.Buffer)
	}
	n, err := f.WriteAt(in.Buffer[:size], in.Offset)
	if err != nil {
		return &afsrpc.WriteResult{Err: errno(err)}, nil
	}
	return &afsrpc.WriteResult{Bytes: int32(n)}, nil
}

// Create creates the file (and any missing parent directories), stamping it
// with the current time.
func (s *Server) Create(ctx context.Context, in *afsrpc.OpenRequest) (*afsrpc.OpenResult, error) {
	path := s.localPath(in.Path)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return &afsrpc.OpenResult{Err: errno(err)}, nil
	}

	fd, err := unix.Open(path, int(in.Flags)|unix.O_CREAT, in.Mode)
	if err != nil {
		return &afsrpc.OpenResult{Err: errno(err)}, nil
	}
	unix.Close(fd)

	now := unix.NsecToTimespec(time.Now().UnixNano())
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{now, now}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		s.Warn("Could not set times of created file", "path", path, "err", err)
	}
	return &afsrpc.OpenResult{Fh: uint64(fd)}, nil
}

// Mkdir makes the directory.
func (s *Server) Mkdir(ctx context.Context, in *afsrpc.MkdirRequest) (*afsrpc.Result, error) {
	return &afsrpc.Result{Err: errno(unix.Mkdir(s.localPath(in.Path), in.Mode))}, nil
}

// Rmdir removes the directory.
func (s *Server) Rmdir(ctx context.Context, in *afsrpc.Path) (*afsrpc.Result, error) {
	return &afsrpc.Result{Err: errno(unix.Rmdir(s.localPath(in.Path)))}, nil
}

// Unlink removes the file.
func (s *Server) Unlink(ctx context.Context, in *afsrpc.Path) (*afsrpc.Result, error) {
	return &afsrpc.Result{Err: errno(unix.Unlink(s.localPath(in.Path)))}, nil
}

// Rename renames the path.
func (s *Server) Rename(ctx context.Context, in *afsrpc.RenameRequest) (*afsrpc.Result, error) {
	from, to := s.localPath(in.From), s.localPath(in.To)
	var err error
	if in.Flags == 0 {
		err = unix.Rename(from, to)
	} else {
		err = unix.Renameat2(unix.AT_FDCWD, from, unix.AT_FDCWD, to, uint(in.Flags))
	}
	return &afsrpc.Result{Err: errno(err)}, nil
}

// Utimens sets the times of the path without following symlinks.
func (s *Server) Utimens(ctx context.Context, in *afsrpc.UtimensRequest) (*afsrpc.Result, error) {
	ts := []unix.Timespec{
		{Sec: in.Atime, Nsec: in.Atimensec},
		{Sec: in.Mtime, Nsec: in.Mtimensec},
	}
	err := unix.UtimesNanoAt(unix.AT_FDCWD, s.localPath(in.Path), ts, unix.AT_SYMLINK_NOFOLLOW)
	return &afsrpc.Result{Err: errno(err)}, nil
}

// Mknod makes a fifo or other special file.
func (s *Server) Mknod(ctx context.Context, in *afsrpc.MknodRequest) (*afsrpc.Result, error) {
	path := s.localPath(in.Path)
	var err error
	if in.Mode&unix.S_IFMT == unix.S_IFIFO {
		err = unix.Mkfifo(path, in.Mode)
	} else {
		err = unix.Mknod(path, in.Mode, int(in.Rdev))
	}
	return &afsrpc.Result{Err: errno(err)}, nil
}

// GetFile streams the whole file in ChunkSize pieces.
func (s *Server) GetFile(in *afsrpc.Path, stream afsrpc.GetFileServer) error {
	f, err := os.Open(s.localPath(in.Path))
	if err != nil {
		return streamError(err)
	}
	defer f.Close()

	buf := make([]byte, afsrpc.ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := stream.Send(&afsrpc.FileContent{Name: in.Path, Content: buf[:n]}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			s.Error("Could not read file", "path", in.Path, "err", rerr)
			return streamError(rerr)
		}
	}
}

// PutFile receives a whole file, writing it to a temporary sibling that gets
// renamed over the real path once everything has arrived, so a failed upload
// never leaves a partial file behind.
func (s *Server) PutFile(stream afsrpc.PutFileServer) error {
	var final, temp string
	var f *os.File
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(temp)
		}
	}()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if f == nil {
			final = s.localPath(chunk.Name)
			if err = os.MkdirAll(filepath.Dir(final), dirMode); err != nil {
				return stream.SendAndClose(&afsrpc.Result{Err: errno(err)})
			}
			temp = final + ".upload." + xid.New().String()
			f, err = os.Create(temp)
			if err != nil {
				f = nil
				return stream.SendAndClose(&afsrpc.Result{Err: errno(err)})
			}
		}

		if _, err = f.Write(chunk.Content); err != nil {
			s.Error("Could not write uploaded chunk", "path", final, "err", err)
			return streamError(err)
		}
	}

	if f == nil {
		// without a single chunk we don't know what the file is called
		return stream.SendAndClose(&afsrpc.Result{Err: int32(syscall.EINVAL)})
	}

	err := f.Close()
	if err == nil {
		err = os.Rename(temp, final)
	}
	f = nil
	if err != nil {
		os.Remove(temp)
		return stream.SendAndClose(&afsrpc.Result{Err: errno(err)})
	}
	s.Debug("Received file", "path", final)
	return stream.SendAndClose(&afsrpc.Result{})
}
