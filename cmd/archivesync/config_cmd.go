package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/archivesync/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every config key with its effective value",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			source := a.cfg.Path
			if source == "" {
				source = "(defaults)"
			}
			fmt.Fprintf(a.stdout, "# %s\n", source)
			for _, key := range config.Keys() {
				value, err := a.cfg.Get(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s = %s\n", key, value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of one config key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			value, err := a.cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintln(a.stdout, "ok")
			return nil
		},
	})
	return cmd
}
