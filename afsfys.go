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
Package afsfys is a pure Go library that lets you in-process fuse-mount a
remote afsserver (see the afsserver sub-package) as a local directory, with
whole-file caching on local disk.

Files are fetched in full in to a local cache directory the first time they
are opened, and fetched again whenever the server has a newer copy. Writes go
to a private shadow copy of the cached file; when the file is closed, any
changes are sent back to the server in their entirety. Small files are sent
before close returns, while files larger than a threshold are queued and
uploaded in the background one at a time.

Write back is crash-consistent: the shadow copy is marked for recovery before
any upload starts, and the next Mount() of the same cache directory uploads
anything that was marked but might not have reached the server, and deletes
shadows that were never marked.

# Usage

    import "github.com/VertebrateResequencing/afsfys"

    cfg, err := afsfys.ReadConfig("", "")
    if err != nil {
        log.Fatalf("bad configuration: %s\n", err)
    }
    cfg.Mount = "/tmp/afs"

    fs, err := afsfys.New(cfg)
    if err != nil {
        log.Fatalf("could not create: %s\n", err)
    }

    err = fs.Mount()
    if err != nil {
        log.Fatalf("could not mount: %s\n", err)
    }
    fs.UnmountOnDeath()

    // read from & write to files in /tmp/afs

    err = fs.Unmount()
    if err != nil {
        log.Fatalf("could not unmount: %s\n", err)
    }

    logs := fs.Logs()
*/
package afsfys

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/afsfys/afsrpc"
	"github.com/dustin/go-humanize"
	"github.com/go-ini/ini"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/inconshreveable/log15"
	"github.com/mitchellh/go-homedir"
	"github.com/sb10/l15h"
	"google.golang.org/grpc"
)

const (
	dirMode  = 0700
	fileMode = 0600

	// DefaultServer is the address of the afsserver used if none is
	// configured.
	DefaultServer = "localhost:50051"

	// DefaultQueueCapacity is how many large files can be waiting for upload
	// before releases of further large files block.
	DefaultQueueCapacity = 100

	defaultConfigFile = "~/.afsfys"
	defaultCacheDir   = ".cached"
)

var (
	logHandlerSetter = l15h.NewChanger(log15.DiscardHandler())
	pkgLogger        = log15.New("pkg", "afsfys")

	// these are variables so that tests can avoid actually exiting
	exitFunc     = os.Exit
	deathSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
)

func init() {
	pkgLogger.SetHandler(l15h.ChangeableHandler(logHandlerSetter))
}

// Config struct provides the configuration of an AfsFys.
type Config struct {
	// Mount is the local directory to mount on top of (afsfys will try to
	// create this if it doesn't exist). If not supplied, defaults to the
	// subdirectory "mnt" in the current working directory. Note that mounting
	// will only succeed if the Mount directory either doesn't exist or is
	// empty.
	Mount string

	// CacheDir is the directory files are cached in. It is not deleted on
	// Unmount(): mounting again with the same CacheDir reuses what was cached,
	// and is how unsent changes are recovered after a crash. Defaults to the
	// subdirectory ".cached" in the current working directory.
	CacheDir string

	// Server is the host:port of the afsserver to mount. Defaults to
	// DefaultServer.
	Server string

	// Conn, if set, is used to talk to the server instead of dialling
	// Server. It must have been made with afsrpc.Dial() or use
	// afsrpc.CallOptions(), and is not closed by Close().
	Conn grpc.ClientConnInterface

	// LargeFileThreshold is the size in bytes above which modified files are
	// uploaded in the background. Defaults to DefaultLargeFileThreshold.
	LargeFileThreshold int64

	// QueueCapacity is how many large files can be waiting for upload at
	// once. Defaults to DefaultQueueCapacity.
	QueueCapacity int

	// MaxAttempts is the number of times a remote call is tried before
	// giving up when it keeps timing out. Defaults to 7.
	MaxAttempts int

	// Timeout is the deadline of the first attempt of a remote call; each
	// subsequent attempt gets double the deadline of the previous one.
	// Defaults to 100ms.
	Timeout time.Duration

	// TransferTimeout is like Timeout, but for whole file uploads and
	// downloads. Defaults to 30s.
	TransferTimeout time.Duration

	// Verbose results in every remote request getting an entry in the output of
	// Logs(). Errors always appear there.
	Verbose bool

	// Faults, if set, is consulted at each step of writing a modified file
	// back, and can stop the process part way through. It is for testing
	// crash recovery.
	Faults FaultInjector
}

// ReadConfig returns a Config populated from the given profile section of
// an ini format config file. If file is an empty string, ~/.afsfys is used;
// it is not an error for that file not to exist. If profile is an empty
// string, it comes from $AFSFYS_PROFILE or defaults to "default". Recognised
// keys are server, mount, cache_dir, large_file_threshold (eg. "160MiB"),
// queue_capacity, max_attempts, timeout, transfer_timeout and verbose.
// $AFSFYS_SERVER overrides the server key.
func ReadConfig(profile, file string) (*Config, error) {
	profileSpecified := true
	if profile == "" {
		if profile = os.Getenv("AFSFYS_PROFILE"); profile == "" {
			profile = "default"
			profileSpecified = false
		}
	}
	if file == "" {
		file = defaultConfigFile
	}

	path, err := homedir.Expand(file)
	if err != nil {
		return nil, err
	}

	cfgs, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("afsfys ReadConfig() loose loading of %s failed: %w", path, err)
	}

	cfg := &Config{}
	section, err := cfgs.GetSection(profile)
	if err == nil {
		cfg.Server = section.Key("server").String()
		cfg.Mount = section.Key("mount").String()
		cfg.CacheDir = section.Key("cache_dir").String()
		cfg.QueueCapacity = section.Key("queue_capacity").MustInt(0)
		cfg.MaxAttempts = section.Key("max_attempts").MustInt(0)
		cfg.Timeout = section.Key("timeout").MustDuration(0)
		cfg.TransferTimeout = section.Key("transfer_timeout").MustDuration(0)
		cfg.Verbose = section.Key("verbose").MustBool(false)

		if threshold := section.Key("large_file_threshold").String(); threshold != "" {
			bytes, perr := humanize.ParseBytes(threshold)
			if perr != nil {
				return nil, fmt.Errorf("afsfys ReadConfig() bad large_file_threshold %q: %w", threshold, perr)
			}
			cfg.LargeFileThreshold = int64(bytes)
		}
	} else if profileSpecified {
		return nil, fmt.Errorf("afsfys ReadConfig(%s) called, but %s did not define that profile", profile, path)
	}

	if server := os.Getenv("AFSFYS_SERVER"); server != "" {
		cfg.Server = server
	}
	return cfg, nil
}

// AfsFys struct is the main filey system object.
type AfsFys struct {
	pathfs.FileSystem
	mountPoint      string
	cacheDir        string
	config          *Config
	conn            *grpc.ClientConn
	remote          *remote
	cache           *cache
	sessions        *sessions
	writeback       *writeback
	metrics         *metrics
	server          *fuse.Server
	mutex           sync.Mutex
	mounted         bool
	handlingSignals bool
	deathSignals    chan os.Signal
	ignoreSignals   chan bool
	logStore        *l15h.Store
	log15.Logger
}

// New returns an AfsFys that you'll use to Mount() your server, ensure you
// un-mount if killed by calling UnmountOnDeath(), then Unmount() when you're
// done. You might check Logs() afterwards.
func New(config *Config) (fs *AfsFys, err error) {
	mountPoint, err := absDir(config.Mount, "mnt")
	if err != nil {
		return
	}

	// check that it's empty
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return
	}
	if len(entries) > 0 {
		return nil, fmt.Errorf("Mount directory %s was not empty", mountPoint)
	}

	cacheDir, err := absDir(config.CacheDir, defaultCacheDir)
	if err != nil {
		return
	}
	if cacheDir == mountPoint {
		return nil, fmt.Errorf("cache directory can't be the mount point")
	}

	// make a logger with context for us, that will store log messages in memory
	// but is also capable of logging anywhere the user wants via
	// SetLogHandler()
	logger := pkgLogger.New("mount", mountPoint)
	store := l15h.NewStore()
	logLevel := log15.LvlError
	if config.Verbose {
		logLevel = log15.LvlInfo
	}
	l15h.AddHandler(logger, log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(l15h.StoreHandler(store, log15.LogfmtFormat()))))

	fs = &AfsFys{
		FileSystem: pathfs.NewDefaultFileSystem(),
		mountPoint: mountPoint,
		cacheDir:   cacheDir,
		config:     config,
		metrics:    newMetrics(),
		logStore:   store,
		Logger:     logger,
	}

	conn := config.Conn
	if conn == nil {
		server := config.Server
		if server == "" {
			server = DefaultServer
		}
		fs.conn, err = afsrpc.Dial(server)
		if err != nil {
			return nil, fmt.Errorf("could not connect to %s: %w", server, err)
		}
		conn = fs.conn
	}

	fs.remote = newRemote(afsrpc.NewAFSClient(conn), config.MaxAttempts, config.Timeout, config.TransferTimeout, fs.metrics, logger.New("component", "remote"))
	fs.cache = newCache(cacheDir, fs.remote, fs.metrics, logger)
	fs.sessions = newSessions(fs.cache, fs.remote, config.LargeFileThreshold, config.Faults, fs.metrics, logger.New("component", "sessions"))
	return
}

// absDir expands and makes absolute dir (or def if dir is empty), creating it
// if necessary.
func absDir(dir, def string) (string, error) {
	if dir == "" {
		dir = def
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return "", err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, os.FileMode(dirMode))
}

// Recover deals with anything left in the cache directory by a previous
// mount that didn't finish writing files back. Mount() calls this for you;
// it is only useful on its own to tidy a cache without mounting.
func (fs *AfsFys) Recover() RecoverySummary {
	summary := fs.cache.recoverCache(fs.sessions)
	if summary != (RecoverySummary{}) {
		fs.Warn("Recovered cache", "recovered", summary.Recovered, "uploaded", summary.Uploaded, "discarded", summary.Discarded, "inconsistent", summary.Inconsistent)
	}
	return summary
}

// Mount recovers the cache directory from any earlier crash, then carries
// out the mounting of your configured server to your configured mount point.
// On return, the files on your server will be accessible. Once mounted, you
// can't mount again until you Unmount().
func (fs *AfsFys) Mount() (err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.mounted {
		err = fmt.Errorf("Can't mount more than once at a time")
		return
	}

	fs.Recover()

	uid, gid, err := userAndGroup()
	if err != nil {
		return
	}

	capacity := fs.config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	fs.writeback = startWriteback(fs.sessions, capacity, fs.Logger.New("component", "writeback"))

	opts := &nodefs.Options{
		NegativeTimeout: time.Second,
		AttrTimeout:     time.Second,
		EntryTimeout:    time.Second,
		Owner: &fuse.Owner{
			Uid: uid,
			Gid: gid,
		},
		Debug: false,
	}
	pathFsOpts := &pathfs.PathNodeFsOptions{ClientInodes: false}
	pathFs := pathfs.NewPathNodeFs(fs, pathFsOpts)
	conn := nodefs.NewFileSystemConnector(pathFs.Root(), opts)
	mOpts := &fuse.MountOptions{
		FsName:               "AfsFys",
		Name:                 "afsfys",
		RememberInodes:       true,
		DisableXAttrs:        true,
		IgnoreSecurityLabels: true,
		Debug:                false,
	}
	server, err := fuse.NewServer(conn.RawFS(), fs.mountPoint, mOpts)
	if err != nil {
		fs.writeback.stop()
		return
	}

	fs.server = server
	go server.Serve()
	if err = server.WaitMount(); err != nil {
		server.Unmount()
		fs.writeback.stop()
		return
	}

	fs.mounted = true
	return
}

// userAndGroup returns the current uid and gid; we only ever mount with dir and
// file permissions for the current user.
func userAndGroup() (uid uint32, gid uint32, err error) {
	user, err := user.Current()
	if err != nil {
		return
	}

	uid64, err := strconv.ParseInt(user.Uid, 10, 32)
	if err != nil {
		return
	}

	gid64, err := strconv.ParseInt(user.Gid, 10, 32)
	if err != nil {
		return
	}

	uid = uint32(uid64)
	gid = uint32(gid64)

	return
}

// UnmountOnDeath captures SIGINT (ctrl-c) and SIGTERM (kill) signals, then
// calls Unmount() before calling os.Exit(1 if the unmount worked, 2 otherwise)
// to terminate your program. Manually calling Unmount() after this cancels the
// signal capture. This does NOT block.
func (fs *AfsFys) UnmountOnDeath() {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if !fs.mounted || fs.handlingSignals {
		return
	}

	fs.deathSignals = make(chan os.Signal, 2)
	signal.Notify(fs.deathSignals, deathSignals...)
	fs.handlingSignals = true
	fs.ignoreSignals = make(chan bool)

	go func() {
		select {
		case <-fs.ignoreSignals:
			signal.Stop(fs.deathSignals)
			fs.mutex.Lock()
			fs.handlingSignals = false
			fs.mutex.Unlock()
			return
		case <-fs.deathSignals:
			fs.mutex.Lock()
			fs.handlingSignals = false
			fs.mutex.Unlock()
			err := fs.Unmount()
			if err != nil {
				fs.Error("Failed to unmount on death", "err", err)
				exitFunc(2)
				return
			}
			exitFunc(1)
		}
	}()
}

// Unmount must be called when you're done reading from/ writing to your
// server. Be sure to close any open filehandles before hand! It's a good idea
// to defer this after calling Mount(), and possibly also call
// UnmountOnDeath(). The upload queue is shut down first: any large file
// upload in progress is allowed to finish, but large files still waiting in
// the queue are not uploaded; their changes remain in the cache directory.
func (fs *AfsFys) Unmount() (err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.handlingSignals {
		fs.ignoreSignals <- true
	}

	// large files released from here on are uploaded during their release
	if fs.writeback != nil {
		fs.writeback.stop()
		fs.writeback = nil
	}

	if fs.mounted {
		err = fs.server.Unmount()
		if err == nil {
			fs.mounted = false
		}
	}

	if n := fs.sessions.count(); n > 0 {
		fs.Warn("Unmounted with files still open", "count", n)
	}
	return
}

// Close closes the connection to the server, if New() made it. Call it after
// Unmount() once you're done with this AfsFys.
func (fs *AfsFys) Close() error {
	if fs.conn == nil {
		return nil
	}
	err := fs.conn.Close()
	fs.conn = nil
	return err
}

// MetricsHandler returns an http.Handler serving the Prometheus metrics of
// this AfsFys.
func (fs *AfsFys) MetricsHandler() http.Handler {
	return fs.metrics.handler()
}

// Logs returns messages generated while mounted; you might call it after
// Unmount() to see how things went. By default these will only be errors that
// occurred, but if this AfsFys was configured with Verbose on, it will also
// contain informational and warning messages. If the afsfys package was
// configured with a log Handler (see SetLogHandler()), these same messages
// would have been logged as they occurred.
func (fs *AfsFys) Logs() []string {
	return fs.logStore.Logs()
}

// SetLogHandler defines how log messages (globally for this package) are
// logged. Logs are always retrievable as strings from individual AfsFys
// instances using AfsFys.Logs(), but otherwise by default are discarded. To
// have them logged somewhere as they are emitted, supply a
// github.com/inconshreveable/log15 Handler, eg. log15.StderrHandler to log
// everything to STDERR.
func SetLogHandler(h log15.Handler) {
	logHandlerSetter.SetHandler(h)
}
