// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/uri"
)

func (s *State) mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir [DIRCAP NAME]",
		Short: "Create a directory and print its capability",
		Long: `Mkdir creates a new, empty directory and prints its write capability.
Given a parent directory and a name, it also links the new directory
into the parent under that name.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("mkdir takes no arguments or a directory and a name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				d, err := s.client.CreateDirectory(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d.Cap())
				return nil
			}
			parent, err := s.directory(args[0])
			if err != nil {
				return err
			}
			d, err := s.client.CreateDirectory(ctx)
			if err != nil {
				return err
			}
			if err := parent.SetNode(ctx, args[1], d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.Cap())
			return nil
		},
	}
}

func (s *State) lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls DIRCAP",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.directory(args[0])
			if err != nil {
				return err
			}
			entries, err := d.List(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				if long {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Modified.Format(time.RFC3339), e.Name, e.Cap)
					continue
				}
				fmt.Fprintln(w, e.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show modification times and capabilities")
	return cmd
}

func (s *State) lnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ln DIRCAP NAME CAP",
		Short: "Link a capability into a directory",
		Long: `Ln adds CAP to the directory under NAME, replacing any entry of that
name. The entry keeps its creation time when it is replaced.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.directory(args[0])
			if err != nil {
				return err
			}
			child, err := uri.Parse(args[2])
			if err != nil {
				return err
			}
			return d.Set(cmd.Context(), args[1], child)
		},
	}
}

func (s *State) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm DIRCAP NAME",
		Short: "Remove an entry from a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.directory(args[0])
			if err != nil {
				return err
			}
			return d.Delete(cmd.Context(), args[1])
		},
	}
}

func (s *State) manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest DIRCAP",
		Short: "List every node reachable from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.directory(args[0])
			if err != nil {
				return err
			}
			m, err := d.Manifest(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range m {
				fmt.Fprintf(cmd.OutOrStdout(), "/%s\t%s\n", strings.Join(e.Path, "/"), e.Cap)
			}
			return nil
		},
	}
}
