// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/rpatterson/tahoe-lafs/checker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/uri"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	healthyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	badStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff6b6b"))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))
)

func (s *State) checkCmd() *cobra.Command {
	var verify, repair bool
	cmd := &cobra.Command{
		Use:   "check CAP",
		Short: "Report the health of a file",
		Long: `Check asks the servers which shares of the file they hold and reports
whether the file is healthy. With --verify it also downloads and
verifies every share. With --repair it repairs a file that needs it.
A verify capability is enough to check or repair a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := uri.Parse(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !repair {
				r, err := s.client.Check(cmd.Context(), cp, verify)
				if err != nil {
					return err
				}
				s.printResults(w, r)
				return nil
			}
			rr, err := s.client.CheckAndRepair(cmd.Context(), cp, verify)
			if err != nil {
				return err
			}
			s.printResults(w, rr.PreRepair)
			if !rr.Attempted {
				return nil
			}
			fmt.Fprintln(w, titleStyle.Render("after repair"))
			s.printResults(w, rr.PostRepair)
			if !rr.Successful {
				return errors.E(cp.StorageIndex(), errors.NotEnoughShares, errors.Str("repair did not restore the file"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "download and verify every share")
	cmd.Flags().BoolVar(&repair, "repair", false, "repair the file if it needs it")
	return cmd
}

func (s *State) repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair CAP",
		Short: "Restore the missing shares of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := uri.Parse(args[0])
			if err != nil {
				return err
			}
			if err := s.client.Repair(cmd.Context(), cp); err != nil {
				return err
			}
			r, err := s.client.Check(cmd.Context(), cp, false)
			if err != nil {
				return err
			}
			s.printResults(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

// printResults writes a styled summary of r followed by a table of
// where its shares are.
func (s *State) printResults(w io.Writer, r *checker.Results) {
	style := badStyle
	switch {
	case r.Healthy && !r.NeedsRepair:
		style = healthyStyle
	case r.Recoverable:
		style = warnStyle
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(r.SI.String()), style.Render(r.Summary()))
	fmt.Fprintf(w, "good shares %d, needed %d, expected %d, servers responding %d",
		r.SharesGood, r.SharesNeeded, r.SharesExpected, r.ServersResponding)
	if r.Versions > 1 {
		fmt.Fprintf(w, ", %d versions", r.Versions)
	}
	fmt.Fprintln(w)

	shares := make([]grid.ShareNum, 0, len(r.ShareMap))
	for sh := range r.ShareMap {
		shares = append(shares, sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
	if len(shares) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(borderStyle).
			Headers("SHARE", "SERVERS")
		for _, sh := range shares {
			var names []string
			for _, id := range r.ShareMap[sh] {
				names = append(names, s.serverName(id))
			}
			t.Row(fmt.Sprintf("sh%d", sh), strings.Join(names, ", "))
		}
		fmt.Fprintln(w, t.Render())
	}
	if len(r.CorruptShares) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(borderStyle).
			Headers("CORRUPT SHARE", "SERVER", "REASON")
		for _, c := range r.CorruptShares {
			t.Row(fmt.Sprintf("sh%d", c.Share), s.serverName(c.Server), c.Reason)
		}
		fmt.Fprintln(w, t.Render())
	}
}

// serverName returns a server's ID, with its nickname if it has one.
func (s *State) serverName(id grid.ServerID) string {
	if s.broker == nil {
		return string(id)
	}
	if srv, ok := s.broker.Get(id); ok && srv.Nickname != "" {
		return fmt.Sprintf("%s (%s)", srv.Nickname, id)
	}
	return string(id)
}
