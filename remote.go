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

// This file implements the client side of every call we make on the server.

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
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/inconshreveable/log15"
	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultTransferTimeout = 30 * time.Second
	downloadInfix          = ".download."
)

// localError wraps a failure of the local file system during a transfer, which
// no amount of retrying the remote side will fix.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// remote is our facade over an afsrpc.AFSClient. Every method blocks until the
// call has succeeded or the retrier gave up, and reports the outcome as a
// fuse.Status.
type remote struct {
	client    afsrpc.AFSClient
	retrier   *retrier
	transfers *retrier
	metrics   *metrics
	log15.Logger
}

// newRemote creates a remote. maxAttempts and base configure the retrier
// used for ordinary calls; transferBase is the deadline of the first attempt
// at a whole file upload or download.
func newRemote(client afsrpc.AFSClient, maxAttempts int, base, transferBase time.Duration, m *metrics, logger log15.Logger) *remote {
	if transferBase <= 0 {
		transferBase = defaultTransferTimeout
	}
	return &remote{
		client:    client,
		retrier:   newRetrier(maxAttempts, base, logger),
		transfers: newRetrier(maxAttempts, transferBase, logger),
		metrics:   m,
		Logger:    logger,
	}
}

// statusFromError converts an error from the transport in to a fuse.Status.
// Exhausted retries are a timeout, rejections by the server keep their
// meaning, and everything else is an I/O error.
func statusFromError(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	var le *localError
	if errors.As(err, &le) {
		return fuse.ToStatus(le.err)
	}
	if isTimeout(err) {
		return fuse.Status(syscall.ETIMEDOUT)
	}
	switch grpcstatus.Code(err) {
	case codes.NotFound:
		return fuse.ENOENT
	case codes.PermissionDenied:
		return fuse.EACCES
	case codes.ResourceExhausted:
		return fuse.Status(syscall.ENOSPC)
	}
	return fuse.EIO
}

// call runs fn with the given retrier, logging and counting the outcome. It
// returns the transport-level status; the server's own errno is for fn to
// extract from the reply.
func (r *remote) call(rt *retrier, name, path string, fn func(ctx context.Context) error) fuse.Status {
	start := time.Now()
	retries, err := rt.do(context.Background(), name, fn)
	r.metrics.rpcDone(name, retries, err)
	if err != nil {
		r.Error("Remote call failed", "call", name, "path", path, "retries", retries, "walltime", time.Since(start), "err", err)
		return statusFromError(err)
	}
	r.Info("Remote call", "call", name, "path", path, "retries", retries, "walltime", time.Since(start))
	return fuse.OK
}

// errnoStatus turns an errno from a reply in to a fuse.Status.
func errnoStatus(errno int32) fuse.Status {
	return fuse.Status(errno)
}

func attrFromReply(a *afsrpc.Attr) *fuse.Attr {
	return &fuse.Attr{
		Ino:       a.Ino,
		Size:      uint64(a.Size),
		Blocks:    uint64(a.Blocks),
		Atime:     uint64(a.Atime),
		Mtime:     uint64(a.Mtime),
		Ctime:     uint64(a.Ctime),
		Atimensec: uint32(a.Atimensec),
		Mtimensec: uint32(a.Mtimensec),
		Ctimensec: uint32(a.Ctimensec),
		Mode:      a.Mode,
		Nlink:     uint32(a.Nlink),
		Owner: fuse.Owner{
			Uid: a.UID,
			Gid: a.GID,
		},
		Blksize: uint32(a.Blksize),
	}
}

// getAttr gets the attributes of path on the server.
func (r *remote) getAttr(path string) (*fuse.Attr, fuse.Status) {
	var reply *afsrpc.Attr
	status := r.call(r.retrier, "GetAttr", path, func(ctx context.Context) (err error) {
		reply, err = r.client.GetAttr(ctx, &afsrpc.Path{Path: path}, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return nil, status
	}
	if reply.Err != 0 {
		return nil, errnoStatus(reply.Err)
	}
	return attrFromReply(reply), fuse.OK
}

// readDir lists the entries of the directory at path on the server.
func (r *remote) readDir(path string) ([]fuse.DirEntry, fuse.Status) {
	var entries []fuse.DirEntry
	var errno int32
	status := r.call(r.retrier, "ReadDir", path, func(ctx context.Context) error {
		entries, errno = nil, 0
		stream, err := r.client.ReadDir(ctx, &afsrpc.Path{Path: path}, grpc.WaitForReady(true))
		if err != nil {
			return err
		}
		for {
			d, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if d.Err != 0 {
				errno = d.Err
				continue
			}
			entries = append(entries, fuse.DirEntry{Name: d.Name, Ino: d.Ino, Mode: d.Type << 12})
		}
	})
	if status != fuse.OK {
		return nil, status
	}
	if errno != 0 {
		return nil, errnoStatus(errno)
	}
	return entries, fuse.OK
}

// open asks the server if path can be opened with the given flags. Nothing is
// held open on the server afterwards.
func (r *remote) open(path string, flags uint32) fuse.Status {
	var reply *afsrpc.OpenResult
	status := r.call(r.retrier, "Open", path, func(ctx context.Context) (err error) {
		reply, err = r.client.Open(ctx, &afsrpc.OpenRequest{Path: path, Flags: flags}, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return status
	}
	return errnoStatus(reply.Err)
}

// read reads up to size bytes from offset of path on the server.
func (r *remote) read(path string, size uint32, offset int64) ([]byte, fuse.Status) {
	var reply *afsrpc.ReadResult
	status := r.call(r.retrier, "Read", path, func(ctx context.Context) (err error) {
		reply, err = r.client.Read(ctx, &afsrpc.ReadRequest{Path: path, Size: size, Offset: offset}, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return nil, status
	}
	if reply.Err != 0 {
		return nil, errnoStatus(reply.Err)
	}
	n := int(reply.Bytes)
	if n > len(reply.Buffer) {
		n = len(reply.Buffer)
	}
	return reply.Buffer[:n], fuse.OK
}

// write writes data at offset of path on the server, returning the number of
// bytes written.
func (r *remote) write(path string, data []byte, offset int64) (int, fuse.Status) {
	var reply *afsrpc.WriteResult
	req := &afsrpc.WriteRequest{Path: path, Size: uint32(len(data)), Offset: offset, Buffer: data}
	status := r.call(r.retrier, "Write", path, func(ctx context.Context) (err error) {
		reply, err = r.client.Write(ctx, req, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return 0, status
	}
	if reply.Err != 0 {
		return 0, errnoStatus(reply.Err)
	}
	return int(reply.Bytes), fuse.OK
}

// create creates path on the server.
func (r *remote) create(path string, flags, mode uint32) fuse.Status {
	var reply *afsrpc.OpenResult
	status := r.call(r.retrier, "Create", path, func(ctx context.Context) (err error) {
		reply, err = r.client.Create(ctx, &afsrpc.OpenRequest{Path: path, Flags: flags, Mode: mode}, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return status
	}
	return errnoStatus(reply.Err)
}

// result makes a call whose reply is a plain afsrpc.Result.
func (r *remote) result(name, path string, fn func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error)) fuse.Status {
	var reply *afsrpc.Result
	status := r.call(r.retrier, name, path, func(ctx context.Context) (err error) {
		reply, err = fn(ctx, grpc.WaitForReady(true))
		return
	})
	if status != fuse.OK {
		return status
	}
	return errnoStatus(reply.Err)
}

func (r *remote) mkdir(path string, mode uint32) fuse.Status {
	return r.result("Mkdir", path, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Mkdir(ctx, &afsrpc.MkdirRequest{Path: path, Mode: mode}, opts...)
	})
}

func (r *remote) rmdir(path string) fuse.Status {
	return r.result("Rmdir", path, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Rmdir(ctx, &afsrpc.Path{Path: path}, opts...)
	})
}

func (r *remote) unlink(path string) fuse.Status {
	return r.result("Unlink", path, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Unlink(ctx, &afsrpc.Path{Path: path}, opts...)
	})
}

func (r *remote) rename(from, to string, flags uint32) fuse.Status {
	return r.result("Rename", from, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Rename(ctx, &afsrpc.RenameRequest{From: from, To: to, Flags: flags}, opts...)
	})
}

// utimens sets the access and modification times of path on the server.
func (r *remote) utimens(path string, atime, mtime time.Time) fuse.Status {
	req := &afsrpc.UtimensRequest{
		Path:      path,
		Atime:     atime.Unix(),
		Atimensec: int64(atime.Nanosecond()),
		Mtime:     mtime.Unix(),
		Mtimensec: int64(mtime.Nanosecond()),
	}
	return r.result("Utimens", path, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Utimens(ctx, req, opts...)
	})
}

func (r *remote) mknod(path string, mode uint32, rdev uint64) fuse.Status {
	return r.result("Mknod", path, func(ctx context.Context, opts ...grpc.CallOption) (*afsrpc.Result, error) {
		return r.client.Mknod(ctx, &afsrpc.MknodRequest{Path: path, Mode: mode, Rdev: rdev}, opts...)
	})
}

// retryUpload says if an upload attempt is worth repeating: anything but a
// local read failure or the server rejecting the file outright.
func retryUpload(err error) bool {
	var le *localError
	if errors.As(err, &le) {
		return false
	}
	switch grpcstatus.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.ResourceExhausted:
		return false
	}
	return true
}

// uploadFile streams the whole of the local file at localPath to remotePath on
// the server. At least one chunk is always sent, since the server learns the
// destination from the chunks. A failed attempt is repeated from the start.
func (r *remote) uploadFile(localPath, remotePath string) fuse.Status {
	var errno int32
	status := r.call(r.transfers.withRetryable(retryUpload), "PutFile", remotePath, func(ctx context.Context) error {
		errno = 0
		f, err := os.Open(localPath)
		if err != nil {
			return &localError{err}
		}
		defer f.Close()

		stream, err := r.client.PutFile(ctx, grpc.WaitForReady(true))
		if err != nil {
			return err
		}

		buf := make([]byte, afsrpc.ChunkSize)
		sent := false
		for {
			n, rerr := f.Read(buf)
			if n > 0 || (!sent && rerr == io.EOF) {
				if err = stream.Send(&afsrpc.FileContent{Name: remotePath, Content: buf[:n]}); err != nil {
					if err == io.EOF {
						// the real reason the stream broke comes from the
						// server's reply
						_, err = stream.CloseAndRecv()
					}
					return err
				}
				sent = true
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return &localError{rerr}
			}
		}

		reply, err := stream.CloseAndRecv()
		if err != nil {
			return err
		}
		errno = reply.Err
		return nil
	})
	if status != fuse.OK {
		return status
	}
	return errnoStatus(errno)
}

// downloadFile streams the whole of remotePath from the server to localPath,
// creating localPath's parent directories if necessary. The data is written
// to a sibling file that only replaces localPath once complete.
func (r *remote) downloadFile(remotePath, localPath string) fuse.Status {
	if err := os.MkdirAll(filepath.Dir(localPath), dirMode); err != nil {
		r.Error("Could not create local directory", "path", localPath, "err", err)
		return fuse.ToStatus(err)
	}

	return r.call(r.transfers, "GetFile", remotePath, func(ctx context.Context) error {
		stream, err := r.client.GetFile(ctx, &afsrpc.Path{Path: remotePath}, grpc.WaitForReady(true))
		if err != nil {
			return err
		}

		partial := localPath + downloadInfix + xid.New().String()
		f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
		if err != nil {
			return &localError{err}
		}
		keep := false
		defer func() {
			if !keep {
				f.Close()
				os.Remove(partial)
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
			if _, err = f.Write(chunk.Content); err != nil {
				return &localError{err}
			}
		}

		if err = f.Close(); err != nil {
			return &localError{err}
		}
		if err = os.Rename(partial, localPath); err != nil {
			return &localError{err}
		}
		keep = true
		return nil
	})
}

// Cat writes the content of path on the server to w, reading it in
// afsrpc.ChunkSize windows without involving a mount or the cache. It uses
// cfg's Server (or Conn), MaxAttempts and Timeout.
func Cat(cfg *Config, path string, w io.Writer) error {
	conn := cfg.Conn
	if conn == nil {
		server := cfg.Server
		if server == "" {
			server = DefaultServer
		}
		cc, err := afsrpc.Dial(server)
		if err != nil {
			return err
		}
		defer cc.Close()
		conn = cc
	}

	r := newRemote(afsrpc.NewAFSClient(conn), cfg.MaxAttempts, cfg.Timeout, cfg.TransferTimeout, newMetrics(), pkgLogger.New("call", "cat"))
	var offset int64
	for {
		data, status := r.read(path, afsrpc.ChunkSize, offset)
		if status != fuse.OK {
			return fmt.Errorf("could not read %s: %w", path, syscall.Errno(status))
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		offset += int64(len(data))
	}
}
