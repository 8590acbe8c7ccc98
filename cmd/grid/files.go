// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/client"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/log"
)

func (s *State) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [FILE]",
		Short: "Store a file as an immutable file and print its capability",
		Long: `Upload stores the named file, or standard input, as an immutable file
and prints its read capability. Small files are carried inside the
capability itself and store nothing on the grid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			n, res, err := s.client.Upload(cmd.Context(), data)
			if err != nil {
				return err
			}
			log.Debug.Printf("grid: uploaded %d bytes: %d shares placed, %d already present, %d bytes pushed",
				len(data), len(res.SharesPlaced), res.Preexisting, res.Pushed)
			fmt.Fprintln(cmd.OutOrStdout(), n.Cap())
			return nil
		},
	}
}

func (s *State) putCmd() *cobra.Command {
	var capText string
	cmd := &cobra.Command{
		Use:   "put [--cap CAP] [FILE]",
		Short: "Create or replace a mutable file",
		Long: `Put stores the named file, or standard input, as a mutable file. With
--cap it replaces the contents of an existing mutable file, which must
be named by its write capability; otherwise it creates a new file and
prints its write capability.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if capText == "" {
				f, err := s.client.CreateMutableFile(ctx, data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), f.Cap())
				return nil
			}
			n, err := s.node(capText)
			if err != nil {
				return err
			}
			f, ok := n.(*client.MutableFile)
			if !ok {
				return errors.E(errors.Invalid, errors.Errorf("%s is not a mutable file", capText))
			}
			return f.Overwrite(ctx, data)
		},
	}
	cmd.Flags().StringVar(&capText, "cap", "", "write `capability` of the file to replace")
	return cmd
}

func (s *State) getCmd() *cobra.Command {
	var (
		offset, size int64
		out          string
	)
	cmd := &cobra.Command{
		Use:   "get CAP",
		Short: "Write the contents of a file",
		Long: `Get writes the contents of the file named by CAP to standard output,
or to the file named by --out. A range may be selected with --offset
and --size; a negative size means the rest of the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := s.node(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				return n.Read(cmd.Context(), cmd.OutOrStdout(), offset, size)
			}
			f, err := os.Create(out)
			if err != nil {
				return errors.E(errors.IO, err)
			}
			if err := n.Read(cmd.Context(), f, offset, size); err != nil {
				f.Close()
				os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return errors.E(errors.IO, err)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first `byte` to write")
	cmd.Flags().Int64Var(&size, "size", -1, "number of `bytes` to write")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to `file` instead of standard output")
	return cmd
}
