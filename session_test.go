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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/VertebrateResequencing/afsfys/afsrpc"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestSessions(t *testing.T) {
	tmpdir, err := os.MkdirTemp("", "afsfys_testing")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpdir)

	ts, err := startTestServer(filepath.Join(tmpdir, "server"))
	if err != nil {
		t.Fatal(err)
	}
	defer ts.stop()

	rdwr := uint32(os.O_RDWR)
	rdonly := uint32(os.O_RDONLY)

	Convey("Given sessions over a server file", t, func() {
		dir, err := os.MkdirTemp(tmpdir, "session_test")
		So(err, ShouldBeNil)
		So(ts.writeServerFile("/s/a.txt", "hello"), ShouldBeNil)
		ts.counter.reset()

		fs, err := newTestFs(dir, ts, nil)
		So(err, ShouldBeNil)
		m := fs.sessions
		cached := fs.cache.cachedPath("/s/a.txt")

		Convey("Opening read-only fetches it but makes no temp file", func() {
			s, status := m.open("/s/a.txt", rdonly)
			So(status, ShouldEqual, fuse.OK)
			So(s.tempPath, ShouldBeEmpty)
			So(s.state, ShouldEqual, stateReadOnly)
			So(ts.counter.get("GetFile"), ShouldEqual, 1)
			So(artifacts(cached), ShouldBeEmpty)
			So(m.count(), ShouldEqual, 1)

			content, err := io.ReadAll(s.file)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "hello")

			So(m.release(s.handle), ShouldEqual, fuse.OK)
			So(m.count(), ShouldEqual, 0)

			Convey("Opening again uses the cache", func() {
				ts.counter.reset()
				s, status := m.open("/s/a.txt", rdonly)
				So(status, ShouldEqual, fuse.OK)
				So(ts.counter.get("GetFile"), ShouldEqual, 0)
				So(m.release(s.handle), ShouldEqual, fuse.OK)
			})
		})

		Convey("Opening something the server doesn't have fails without downloading", func() {
			_, status := m.open("/s/missing", rdonly)
			So(status, ShouldEqual, fuse.ENOENT)
			So(ts.counter.get("GetFile"), ShouldEqual, 0)
			So(m.count(), ShouldEqual, 0)
		})

		Convey("Opening for writing makes a temp copy with the same content and mtime", func() {
			s, status := m.open("/s/a.txt", rdwr)
			So(status, ShouldEqual, fuse.OK)
			So(s.state, ShouldEqual, stateShadowed)
			So(s.tempPath, ShouldStartWith, cached+tempInfix)
			So(artifacts(cached), ShouldResemble, []string{filepath.Base(s.tempPath)})

			content, err := os.ReadFile(s.tempPath)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "hello")

			_, cachedMtime, err := fileTimes(cached)
			So(err, ShouldBeNil)
			_, tempMtime, err := fileTimes(s.tempPath)
			So(err, ShouldBeNil)
			So(tempMtime.Equal(cachedMtime), ShouldBeTrue)
			So(s.baseMtime.Equal(cachedMtime), ShouldBeTrue)

			Convey("Writes go to the temp file only", func() {
				_, err := s.file.WriteAt([]byte("J"), 0)
				So(err, ShouldBeNil)
				content, err := os.ReadFile(s.tempPath)
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, "Jello")
				content, err = os.ReadFile(cached)
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, "hello")

				Convey("Releasing a small file uploads it, then makes it the cached copy", func() {
					ts.counter.reset()
					So(m.release(s.handle), ShouldEqual, fuse.OK)
					So(s.state, ShouldEqual, stateCommitted)
					So(ts.counter.get("PutFile"), ShouldEqual, 1)
					So(ts.readServerFile("/s/a.txt"), ShouldEqual, "Jello")
					So(testutil.ToFloat64(fs.metrics.uploads.WithLabelValues(uploadSync)), ShouldEqual, 1)

					content, err := os.ReadFile(cached)
					So(err, ShouldBeNil)
					So(string(content), ShouldEqual, "Jello")
					So(artifacts(cached), ShouldBeEmpty)

					_, cachedMtime, err := fileTimes(cached)
					So(err, ShouldBeNil)
					_, serverMtime, err := fileTimes(ts.serverFile("/s/a.txt"))
					So(err, ShouldBeNil)
					So(cachedMtime.Equal(serverMtime), ShouldBeTrue)
				})
			})

			Convey("If the upload fails, the recovery marker is kept for the next mount", func() {
				_, err := s.file.WriteAt([]byte("J"), 0)
				So(err, ShouldBeNil)
				fs.remote.client = &putFileClient{
					AFSClient: afsrpc.NewAFSClient(ts.conn),
					reject:    grpcstatus.Error(codes.PermissionDenied, "read only"),
				}

				So(m.release(s.handle), ShouldEqual, fuse.EACCES)
				So(s.state, ShouldEqual, stateRecoveryMarked)
				So(m.count(), ShouldEqual, 0)

				So(artifacts(cached), ShouldResemble, []string{filepath.Base(s.tempPath) + recoverSuffix})
				content, err := os.ReadFile(s.tempPath + recoverSuffix)
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, "Jello")
				So(ts.readServerFile("/s/a.txt"), ShouldEqual, "hello")
				content, err = os.ReadFile(cached)
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, "hello")
			})

			Convey("Closing the file is only logged if it fails", func() {
				So(s.file.Close(), ShouldBeNil)
				m.closeFile(s, s.tempPath)
				So(strings.Join(fs.Logs(), "\n"), ShouldContainSubstring, `msg="Could not close shadow"`)
				m.forget(s.handle)
			})

			Convey("Releasing without writing removes the temp file without contacting the server", func() {
				ts.counter.reset()
				So(m.release(s.handle), ShouldEqual, fuse.OK)
				So(ts.counter.total(), ShouldEqual, 0)
				So(artifacts(cached), ShouldBeEmpty)
				So(ts.readServerFile("/s/a.txt"), ShouldEqual, "hello")
			})
		})

		Convey("Opening with O_TRUNC starts from an empty temp file", func() {
			s, status := m.open("/s/a.txt", uint32(os.O_WRONLY|os.O_TRUNC))
			So(status, ShouldEqual, fuse.OK)
			_, err := s.file.Write([]byte("bye"))
			So(err, ShouldBeNil)
			So(m.release(s.handle), ShouldEqual, fuse.OK)
			So(ts.readServerFile("/s/a.txt"), ShouldEqual, "bye")
		})

		Convey("Handles are never reused", func() {
			s1, status := m.open("/s/a.txt", rdonly)
			So(status, ShouldEqual, fuse.OK)
			s2, status := m.open("/s/a.txt", rdwr)
			So(status, ShouldEqual, fuse.OK)
			So(s2.handle, ShouldNotEqual, s1.handle)
			So(m.get(s1.handle), ShouldEqual, s1)
			So(m.count(), ShouldEqual, 2)

			So(m.release(s1.handle), ShouldEqual, fuse.OK)
			So(m.release(s2.handle), ShouldEqual, fuse.OK)
			s3, status := m.open("/s/a.txt", rdonly)
			So(status, ShouldEqual, fuse.OK)
			So(s3.handle, ShouldBeGreaterThan, s2.handle)
			So(m.release(s3.handle), ShouldEqual, fuse.OK)

			Convey("Releasing a handle twice fails", func() {
				So(m.release(s3.handle), ShouldEqual, fuse.EBADF)
			})
		})

		Convey("Releasing an unknown handle fails", func() {
			So(m.release(9999), ShouldEqual, fuse.EBADF)
		})
	})

	Convey("Given sessions with a tiny large file threshold", t, func() {
		dir, err := os.MkdirTemp(tmpdir, "session_test")
		So(err, ShouldBeNil)
		So(ts.writeServerFile("/l/a.txt", "hello"), ShouldBeNil)
		ts.counter.reset()

		fs, err := newTestFs(dir, ts, &Config{LargeFileThreshold: 2})
		So(err, ShouldBeNil)
		m := fs.sessions
		cached := fs.cache.cachedPath("/l/a.txt")

		s, status := m.open("/l/a.txt", rdwr)
		So(status, ShouldEqual, fuse.OK)
		_, err = s.file.WriteAt([]byte("J"), 0)
		So(err, ShouldBeNil)

		Convey("Releasing a modified file queues it for upload, after making it the cached copy", func() {
			w := startWriteback(m, 10, fs.Logger)
			defer w.stop()

			So(m.release(s.handle), ShouldEqual, fuse.OK)
			So(s.state, ShouldEqual, stateQueued)
			content, err := os.ReadFile(cached)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "Jello")
			So(artifacts(cached), ShouldBeEmpty)

			So(waitFor(5*time.Second, func() bool {
				return ts.readServerFile("/l/a.txt") == "Jello"
			}), ShouldBeTrue)
			So(waitFor(5*time.Second, func() bool {
				return testutil.ToFloat64(fs.metrics.uploads.WithLabelValues(uploadQueued)) == 1
			}), ShouldBeTrue)
		})

		Convey("Without a queue, releasing uploads it straight away", func() {
			So(m.release(s.handle), ShouldEqual, fuse.OK)
			So(s.state, ShouldEqual, stateCommitted)
			So(ts.readServerFile("/l/a.txt"), ShouldEqual, "Jello")
			So(artifacts(cached), ShouldBeEmpty)
		})

		Convey("After the writeback has stopped, releasing uploads it straight away", func() {
			w := startWriteback(m, 10, fs.Logger)
			So(w.stop(), ShouldEqual, 0)
			So(m.release(s.handle), ShouldEqual, fuse.OK)
			So(ts.readServerFile("/l/a.txt"), ShouldEqual, "Jello")
		})
	})

	Convey("Crashing part way through release leaves the expected artifacts", t, func() {
		crash := errors.New("crash")
		type expectation struct {
			point     FaultPoint
			threshold int64
			marked    bool
			serverHas string
			cachedHas string
		}
		expectations := []expectation{
			{FaultBeforeRecoveryMark, 0, false, "hello", "hello"},
			{FaultAfterRecoveryMark, 0, true, "hello", "hello"},
			{FaultBeforeUpload, 0, true, "hello", "hello"},
			{FaultAfterUpload, 0, true, "Jello", "hello"},
			{FaultBeforeEnqueue, 2, true, "hello", "hello"},
		}

		for _, e := range expectations {
			e := e
			Convey("Stopping "+e.point.String(), func() {
				dir, err := os.MkdirTemp(tmpdir, "session_test")
				So(err, ShouldBeNil)
				So(ts.writeServerFile("/f/a.txt", "hello"), ShouldBeNil)

				var seen []FaultPoint
				fs, err := newTestFs(dir, ts, &Config{
					LargeFileThreshold: e.threshold,
					Faults: func(p FaultPoint) error {
						seen = append(seen, p)
						if p == e.point {
							return crash
						}
						return nil
					},
				})
				So(err, ShouldBeNil)
				m := fs.sessions
				cached := fs.cache.cachedPath("/f/a.txt")

				s, status := m.open("/f/a.txt", rdwr)
				So(status, ShouldEqual, fuse.OK)
				_, err = s.file.WriteAt([]byte("J"), 0)
				So(err, ShouldBeNil)

				So(m.release(s.handle), ShouldEqual, fuse.EIO)
				So(s.state, ShouldEqual, stateAbandoned)
				So(seen[len(seen)-1], ShouldEqual, e.point)
				So(m.count(), ShouldEqual, 0)

				left := artifacts(cached)
				So(len(left), ShouldEqual, 1)
				So(strings.HasSuffix(left[0], recoverSuffix), ShouldEqual, e.marked)
				content, err := os.ReadFile(filepath.Join(filepath.Dir(cached), left[0]))
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, "Jello")

				So(ts.readServerFile("/f/a.txt"), ShouldEqual, e.serverHas)
				content, err = os.ReadFile(cached)
				So(err, ShouldBeNil)
				So(string(content), ShouldEqual, e.cachedHas)
			})
		}
	})

	Convey("FaultPoints have names", t, func() {
		So(FaultAfterUpload.String(), ShouldEqual, "after upload")
		So(FaultBeforeRecoveryMark.String(), ShouldEqual, "before recovery mark")
		So(FaultPoint(99).String(), ShouldEqual, "FaultPoint(99)")
		So(int(FaultAfterUpload), ShouldEqual, 1)
		So(int(FaultBeforeRecoveryMark), ShouldEqual, 5)
	})

	Convey("wantsWrite() recognises modifying flags", t, func() {
		So(wantsWrite(uint32(os.O_RDONLY)), ShouldBeFalse)
		So(wantsWrite(uint32(os.O_WRONLY)), ShouldBeTrue)
		So(wantsWrite(uint32(os.O_RDWR)), ShouldBeTrue)
		So(wantsWrite(uint32(os.O_RDONLY|os.O_APPEND)), ShouldBeTrue)
		So(wantsWrite(uint32(os.O_RDONLY|os.O_TRUNC)), ShouldBeTrue)
	})
}
