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
	"os"

	"github.com/VertebrateResequencing/afsfys"
	"github.com/spf13/cobra"
)

func newCatCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file straight from a server",
		Long: `Print a file straight from a server, without mounting it or touching any
cache.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return afsfys.Cat(&afsfys.Config{Server: server}, args[0], os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", afsfys.DefaultServer, "host:port of the server")
	return cmd
}
