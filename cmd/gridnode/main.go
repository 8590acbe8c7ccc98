// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gridnode runs a storage server, an upload helper, or both,
// as described by the storage and helper_service sections of its
// configuration file. Both services are served over HTTP on the
// storage listen address.
package main

import (
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/config"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/flags"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/shutdown"
	"github.com/rpatterson/tahoe-lafs/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(shutdown.Context()); err != nil {
		log.Error.Printf("gridnode: %v", err)
		shutdown.Now(1)
	}
	shutdown.Now(0)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gridnode",
		Short:         "Run a storage server and upload helper",
		Args:          cobra.NoArgs,
		Version:       strings.TrimSuffix(version.Version(), "\n"),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			const op errors.Op = "gridnode"
			cfg, err := config.FromFile(flags.Config)
			if err != nil {
				return errors.E(op, err)
			}
			if !cmd.Flags().Changed("log") {
				if err := cfg.Apply(); err != nil {
					return errors.E(op, errors.Invalid, err)
				}
			}
			ctx := cmd.Context()
			n, err := newNode(ctx, cfg)
			if err != nil {
				return errors.E(op, err)
			}
			shutdown.Handle(n.Close)
			ln, err := net.Listen("tcp", cfg.Storage.Listen)
			if err != nil {
				n.Close()
				return errors.E(op, errors.IO, err)
			}
			shutdown.Handle(func() { ln.Close() })
			return n.serve(ctx, ln)
		},
	}
	flags.Register(cmd.Flags())
	return cmd
}
