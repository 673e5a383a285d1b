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
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/VertebrateResequencing/afsfys/afsrpc"
	"github.com/VertebrateResequencing/afsfys/afsserver"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

func newServeCmd() *cobra.Command {
	var root, listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory to afsfys mounts",
		Long: `Serve the contents of a local directory to afsfys mounts.

Runs until killed with ctrl-c or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root, listen)
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", "", "directory to serve (required)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "0.0.0.0:50051", "address to listen on")
	cmd.MarkFlagRequired("root")
	return cmd
}

func runServe(root, listen string) error {
	srv, err := afsserver.New(root, logger.New("server", listen))
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	gs := grpc.NewServer()
	afsrpc.RegisterAFSServer(gs, srv)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("Stopping server")
		gs.GracefulStop()
	}()

	logger.Info("Serving", "root", srv.Root(), "addr", lis.Addr().String())
	return gs.Serve(lis)
}
