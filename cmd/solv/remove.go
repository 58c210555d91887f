package main

import (
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:     "remove PACKAGE...",
	Aliases: []string{"uninstall"},
	Short:   "Remove one or more packages from the prefix",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		jobs := jobsForSpecs(specs, "remove")
		return apply(cmd.Context(), &cfg, jobs, "remove", args)
	},
}
