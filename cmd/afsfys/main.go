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

// Command afsfys mounts an afsserver, or runs one.
package main

import (
	"fmt"
	"os"

	"github.com/VertebrateResequencing/afsfys"
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	logger  = log15.New("cmd", "afsfys")
)

var rootCmd = &cobra.Command{
	Use:   "afsfys",
	Short: "afsfys mounts a remote file server with local whole-file caching",
	Long: `afsfys mounts a remote file server with local whole-file caching.

Start a server with "afsfys serve", then mount it elsewhere with
"afsfys mount".`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log15.LvlWarn
		if verbose {
			level = log15.LvlInfo
		}
		h := log15.LvlFilterHandler(level, log15.StderrHandler)
		logger.SetHandler(h)
		afsfys.SetLogHandler(h)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log informational messages as well as errors")
	rootCmd.AddCommand(newMountCmd(), newServeCmd(), newCatCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
