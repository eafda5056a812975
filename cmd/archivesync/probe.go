package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Verify the store credential and print the account it belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.newSyncer()
			if err != nil {
				return err
			}
			id, err := s.Probe(cmd.Context())
			if err != nil {
				a.logger.Error("identity check failed", "error", err)
				return err
			}
			a.logger.Info("identity verified", "account", id.String())
			fmt.Fprintf(a.stdout, "backend: %s\n", a.cfg.Backend)
			fmt.Fprintf(a.stdout, "account: %s\n", id.AccountID)
			if id.Name != "" {
				fmt.Fprintf(a.stdout, "name:    %s\n", id.Name)
			}
			if id.Email != "" {
				fmt.Fprintf(a.stdout, "email:   %s\n", id.Email)
			}
			return nil
		},
	}
}
