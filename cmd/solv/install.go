package main

import (
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install PACKAGE...",
	Short: "Install one or more packages into the prefix",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		jobs := jobsForSpecs(specs, "install")
		return apply(cmd.Context(), &cfg, jobs, "install", args)
	},
}
