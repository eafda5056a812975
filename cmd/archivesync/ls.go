package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newLsCmd(a *app) *cobra.Command {
	var master string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the entries of the remote master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if master != "" {
				a.cfg.MasterPath = master
			}
			a.cfg.VerifyIdentity = false
			s, err := a.newSyncer()
			if err != nil {
				return err
			}
			entries, exists, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			if !exists {
				fmt.Fprintf(a.stdout, "no master at %s\n", a.cfg.MasterPath)
				return nil
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.Mode,
					humanize.IBytes(uint64(e.Size)), //nolint:gosec // tar sizes are non-negative
					e.ModTime.UTC().Format(time.RFC3339),
					e.Name,
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d entries\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&master, "master", "", "remote master path (overrides master_path)")
	return cmd
}
