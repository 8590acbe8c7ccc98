// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/mutable"
)

func (s *State) dumpShareCmd() *cobra.Command {
	var (
		isMutable bool
		field     string
	)
	cmd := &cobra.Command{
		Use:   "dump-share FILE",
		Short: "Describe a share file held by a storage server",
		Long: `Dump-share parses a share file from a storage server's directory and
prints its header and layout. With --mutable the file is read as a
mutable slot share, and --field prints the byte offset of one of its
fields instead.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"offline": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return errors.E(errors.IO, err)
			}
			w := cmd.OutOrStdout()
			if field != "" && !isMutable {
				return errors.E(errors.Invalid, errors.Str("--field needs --mutable"))
			}
			switch {
			case field != "":
				off, err := mutable.FieldOffset(b, field)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, off)
				return nil
			case isMutable:
				return mutable.DumpShare(w, b)
			}
			info, err := immutable.ParseShare(b)
			if err != nil {
				return err
			}
			info.Dump(w)
			return nil
		},
	}
	cmd.Flags().BoolVar(&isMutable, "mutable", false, "read a mutable slot share")
	cmd.Flags().StringVar(&field, "field", "", "print the offset of the named `field` of a mutable share")
	return cmd
}
