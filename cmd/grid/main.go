// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command grid is the command-line client of a storage grid. It
// uploads and downloads files, manages directories, and checks and
// repairs the files it is given capabilities for.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/client"
	"github.com/rpatterson/tahoe-lafs/config"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/flags"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/shutdown"
	"github.com/rpatterson/tahoe-lafs/version"

	// Load the remote transport.
	_ "github.com/rpatterson/tahoe-lafs/rpc"
)

const intro = `The grid command stores and retrieves files on a storage grid.

Files are named by capability strings. Uploading a file prints its
capability; anyone holding that string can read the file, and no one
else can. The servers of the grid and the encoding parameters are read
from the configuration file (default $HOME/.grid/config).`

// State holds what the subcommands share.
type State struct {
	client *client.Client
	broker *broker.Broker
	cfg    *config.Config
}

func main() {
	root := newRootCmd(new(State))
	if err := root.ExecuteContext(shutdown.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "grid: %v\n", err)
		shutdown.Now(1)
	}
	shutdown.Now(0)
}

func newRootCmd(s *State) *cobra.Command {
	root := &cobra.Command{
		Use:           "grid",
		Short:         "Store and retrieve files on a storage grid",
		Long:          intro,
		Version:       strings.TrimSuffix(version.Version(), "\n"),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["offline"] != "" {
				return nil
			}
			return s.connect(cmd.Context(), !cmd.Flags().Changed("log"))
		},
	}
	flags.Register(root.PersistentFlags())
	root.AddCommand(
		s.uploadCmd(),
		s.putCmd(),
		s.getCmd(),
		s.mkdirCmd(),
		s.lsCmd(),
		s.lnCmd(),
		s.rmCmd(),
		s.manifestCmd(),
		s.checkCmd(),
		s.repairCmd(),
		s.dumpShareCmd(),
	)
	return root
}

// connect reads the configuration and dials its servers. It does
// nothing if the State already has a client.
func (s *State) connect(ctx context.Context, applyLog bool) error {
	const op errors.Op = "grid.connect"
	if s.client != nil {
		return nil
	}
	cfg, err := config.FromFile(flags.Config)
	if err != nil {
		return errors.E(op, err)
	}
	if applyLog {
		if err := cfg.Apply(); err != nil {
			return errors.E(op, errors.Invalid, err)
		}
	}
	b := broker.New()
	for i, e := range cfg.ServerEndpoints() {
		srv := cfg.Servers[i]
		if err := b.Connect(ctx, grid.ServerID(srv.ID), srv.Nickname, e); err != nil {
			return errors.E(op, err)
		}
	}
	var h grid.Helper
	if e := cfg.HelperEndpoint(); e != nil {
		if h, err = bind.Helper(ctx, *e); err != nil {
			return errors.E(op, err)
		}
	}
	c, err := client.New(client.Options{
		Broker:            b,
		Params:            cfg.EncodingParams(),
		ConvergenceSecret: cfg.Convergence(),
		LeaseSecret:       cfg.Lease(),
		Timeout:           cfg.RequestTimeout,
		Helper:            h,
		InitialQueryCount: cfg.Mutable.InitialQueryCount,
		ReadQuorum:        cfg.Mutable.ReadQuorum,
		WriteQuorum:       cfg.Mutable.WriteQuorum,
	})
	if err != nil {
		return errors.E(op, err)
	}
	connected := 0
	for _, srv := range b.Servers() {
		if srv.Connected {
			connected++
		}
	}
	log.Debug.Printf("grid: connected to %d of %d servers", connected, len(cfg.Servers))
	s.cfg, s.broker, s.client = cfg, b, c
	return nil
}

// readInput returns the contents of the named file, or of standard
// input if the name is empty or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	return b, nil
}

// node returns the node named by a capability string.
func (s *State) node(text string) (client.Node, error) {
	return s.client.NodeFromCap(text)
}

// directory returns the directory named by a capability string.
func (s *State) directory(text string) (*client.Directory, error) {
	n, err := s.node(text)
	if err != nil {
		return nil, err
	}
	d, ok := n.(*client.Directory)
	if !ok {
		return nil, errors.E(errors.Invalid, errors.Errorf("%s is not a directory", text))
	}
	return d, nil
}
