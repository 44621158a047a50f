package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a preset without calling any provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if _, err := cfg.Inputs(); err != nil {
				return err
			}
			printStartupSummary(cmd.OutOrStdout(), cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", g.configPath)
			return nil
		},
	}
}
