package main

import (
	"github.com/spf13/cobra"

	"github.com/AlexanderEkdahl/solvent/internal/solver"
)

var updateCmd = &cobra.Command{
	Use:   "update [PACKAGE...]",
	Short: "Update packages to the newest version allowed by their constraints",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			jobs := []solver.Job{solver.UpdateAll{}}
			return apply(cmd.Context(), &cfg, jobs, "update", args)
		}
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		jobs := jobsForSpecs(specs, "update")
		return apply(cmd.Context(), &cfg, jobs, "update", args)
	},
}
