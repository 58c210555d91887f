// Command solv is the thin CLI wiring layer over the solvent engine:
// it resolves flags into a config, loads the package database, calls
// the solver, and executes the resulting transaction. It carries no
// algorithmic content of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

var cfg config

var rootCmd = &cobra.Command{
	Use:   "solv",
	Short: "A fast solver-driven package manager for scientific software",

	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Prefix, "prefix", "", "environment prefix to operate on (default: current directory)")
	flags.StringArrayVarP(&cfg.Channels, "channel", "c", nil, "channel to search, may be repeated")
	flags.BoolVar(&cfg.Offline, "offline", false, "do not contact the network; use only cached repodata and packages")
	flags.BoolVarP(&cfg.Yes, "yes", "y", false, "do not ask for confirmation")
	flags.StringVar(&cfg.RootDir, "root-dir", defaultRootDir(), "root of the package and repodata caches")
	flags.BoolVar(&cfg.PipInterop, "pip-interop", true, "consider pip-installed packages when solving")

	rootCmd.AddCommand(installCmd, removeCmd, updateCmd, searchCmd, listCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "solv: error: %v\n", err)
		os.Exit(int(errtax.ToExitKind(err)))
	}
}
