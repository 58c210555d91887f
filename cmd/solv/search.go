package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/report"
)

var searchCmd = &cobra.Command{
	Use:   "search SPEC",
	Short: "List every package across the configured channels matching a spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, err := matchspec.Parse(args[0])
		if err != nil {
			return err
		}

		sink := report.Default()
		db, _, err := cfg.loadDatabase(cmd.Context(), sink, nil)
		if err != nil {
			return err
		}

		var matches []matchspec.PackageInfo
		db.ForEachPackageMatching(ms, func(p matchspec.PackageInfo) bool {
			matches = append(matches, p)
			return true
		})
		if len(matches) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no matching packages found")
			return nil
		}
		for _, p := range matches {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-15s %-20s %s\n", p.Name, p.Version.String(), p.CondaBuildForm(), p.ChannelID)
		}
		return nil
	},
}
