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

package main

import (
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/VertebrateResequencing/afsfys"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type mountOptions struct {
	server    string
	cacheDir  string
	config    string
	profile   string
	metrics   string
	threshold string
	crash     int
}

func newMountCmd() *cobra.Command {
	opts := &mountOptions{}
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount a server",
		Long: `Mount a server on an empty local directory.

Settings are read from the profile section of ~/.afsfys (or --config), and
then overridden by any options given here. The mount stays up until you kill
this process with ctrl-c or SIGTERM.

--crash N kills this process with SIGKILL at step N of writing a modified file
back: 1 after upload, 2 before upload, 3 after the recovery mark, 4 before
queueing a large file, 5 before the recovery mark. Mount again with the same
cache directory to see recovery in action.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "", "host:port of the server (default "+afsfys.DefaultServer+")")
	flags.StringVarP(&opts.cacheDir, "cache", "c", "", "cache directory (default .cached)")
	flags.StringVar(&opts.config, "config", "", "config file (default ~/.afsfys)")
	flags.StringVar(&opts.profile, "profile", "", "config file profile (default $AFSFYS_PROFILE or \"default\")")
	flags.StringVar(&opts.metrics, "metrics", "", "serve prometheus metrics at /metrics on this address")
	flags.StringVar(&opts.threshold, "large", "", "size above which files are uploaded in the background, eg. 160MiB")
	flags.IntVar(&opts.crash, "crash", 0, "kill this process at the given write back step (1-5)")
	return cmd
}

func runMount(mountPoint string, opts *mountOptions) error {
	cfg, err := afsfys.ReadConfig(opts.profile, opts.config)
	if err != nil {
		return err
	}
	cfg.Mount = mountPoint
	cfg.Verbose = cfg.Verbose || verbose
	if opts.server != "" {
		cfg.Server = opts.server
	}
	if opts.cacheDir != "" {
		cfg.CacheDir = opts.cacheDir
	}
	if opts.threshold != "" {
		bytes, err := humanize.ParseBytes(opts.threshold)
		if err != nil {
			return fmt.Errorf("bad --large: %w", err)
		}
		cfg.LargeFileThreshold = int64(bytes)
	}
	if opts.crash != 0 {
		if opts.crash < int(afsfys.FaultAfterUpload) || opts.crash > int(afsfys.FaultBeforeRecoveryMark) {
			return fmt.Errorf("--crash must be between %d and %d", afsfys.FaultAfterUpload, afsfys.FaultBeforeRecoveryMark)
		}
		cfg.Faults = crashAt(afsfys.FaultPoint(opts.crash))
	}

	fs, err := afsfys.New(cfg)
	if err != nil {
		return err
	}
	if err = fs.Mount(); err != nil {
		fs.Close()
		return err
	}
	fs.UnmountOnDeath()
	logger.Info("Mounted", "mount", mountPoint)

	if opts.metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", fs.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(opts.metrics, mux); err != nil {
				logger.Error("Metrics server failed", "addr", opts.metrics, "err", err)
			}
		}()
	}

	// UnmountOnDeath() exits the process for us
	select {}
}

// crashAt returns a FaultInjector that kills us outright at point p, so that
// nothing gets a chance to tidy up.
func crashAt(p afsfys.FaultPoint) afsfys.FaultInjector {
	return func(at afsfys.FaultPoint) error {
		if at == p {
			logger.Warn("Crashing on request", "point", at.String())
			syscall.Kill(os.Getpid(), syscall.SIGKILL)
		}
		return nil
	}
}
