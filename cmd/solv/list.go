package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AlexanderEkdahl/solvent/internal/prefixdata"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every package installed in the prefix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := prefixdata.Load(cfg.Prefix)
		if err != nil {
			return err
		}

		pkgs := prefix.InstalledPackages(true)
		sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
		for _, p := range pkgs {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-15s %s\n", p.Name, p.Version.String(), p.CondaBuildForm())
		}
		return nil
	},
}
