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

// This file holds helpers shared by the tests of this package.

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/VertebrateResequencing/afsfys/afsrpc"
	"github.com/VertebrateResequencing/afsfys/afsserver"
	"github.com/inconshreveable/log15"
	"google.golang.org/grpc"
)

// callCounter is a pair of client interceptors that count the calls made on
// a connection, by method name.
type callCounter struct {
	mutex  sync.Mutex
	counts map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{counts: make(map[string]int)}
}

func (c *callCounter) inc(method string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.counts[method[strings.LastIndex(method, "/")+1:]]++
}

func (c *callCounter) unary(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	c.inc(method)
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *callCounter) stream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	c.inc(method)
	return streamer(ctx, desc, cc, method, opts...)
}

// get returns the number of calls of the named method.
func (c *callCounter) get(name string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.counts[name]
}

// total returns the number of calls of any method.
func (c *callCounter) total() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := 0
	for _, count := range c.counts {
		n += count
	}
	return n
}

func (c *callCounter) reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.counts = make(map[string]int)
}

// testServer is an in-process afsserver listening on localhost, with a
// counted client connection to it.
type testServer struct {
	root    string
	addr    string
	conn    *grpc.ClientConn
	counter *callCounter
	gs      *grpc.Server
}

func startTestServer(root string) (*testServer, error) {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())
	srv, err := afsserver.New(root, logger)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	afsrpc.RegisterAFSServer(gs, srv)
	go gs.Serve(lis)

	counter := newCallCounter()
	conn, err := afsrpc.Dial(lis.Addr().String(),
		grpc.WithUnaryInterceptor(counter.unary),
		grpc.WithStreamInterceptor(counter.stream))
	if err != nil {
		gs.Stop()
		return nil, err
	}

	return &testServer{
		root:    srv.Root(),
		addr:    lis.Addr().String(),
		conn:    conn,
		counter: counter,
		gs:      gs,
	}, nil
}

func (ts *testServer) stop() {
	ts.conn.Close()
	ts.gs.Stop()
}

// serverFile returns the path on the server's disk of remotePath.
func (ts *testServer) serverFile(remotePath string) string {
	return filepath.Join(ts.root, remotePath)
}

// writeServerFile creates a file on the server's disk with the given content,
// dating it an hour ago so that anything we do to it later is newer.
func (ts *testServer) writeServerFile(remotePath, content string) error {
	path := ts.serverFile(remotePath)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return err
	}
	past := time.Now().Add(-1 * time.Hour)
	return os.Chtimes(path, past, past)
}

// readServerFile returns the content of remotePath on the server's disk.
func (ts *testServer) readServerFile(remotePath string) string {
	b, err := os.ReadFile(ts.serverFile(remotePath))
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(b)
}

// newTestFs makes an AfsFys (that is never mounted) talking to ts, with its
// mount point and cache under dir.
func newTestFs(dir string, ts *testServer, cfg *Config) (*AfsFys, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Mount = filepath.Join(dir, "mnt")
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(dir, "cache")
	}
	cfg.Conn = ts.conn
	cfg.Verbose = true
	return New(cfg)
}

// waitFor polls fn until it returns true or timeout passes, returning fn's
// final answer.
func waitFor(timeout time.Duration, fn func() bool) bool {
	limit := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if fn() {
			return true
		}
		select {
		case <-ticker.C:
		case <-limit:
			return fn()
		}
	}
}

// artifacts returns the names of temp files and recovery markers for
// cachedFile.
func artifacts(cachedFile string) []string {
	matches, _ := filepath.Glob(cachedFile + tempInfix + "*")
	var names []string
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names
}
