package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AlexanderEkdahl/solvent/internal/envexport"
	"github.com/AlexanderEkdahl/solvent/internal/prefixdata"
)

var exportOutputPath string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the prefix's installed packages as an environment.yml document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := prefixdata.Load(cfg.Prefix)
		if err != nil {
			return err
		}

		var condaSpecs, pipSpecs []string
		for _, p := range prefix.InstalledPackages(false) {
			condaSpecs = append(condaSpecs, p.CondaBuildForm())
		}
		for _, p := range prefix.PipRecords {
			pipSpecs = append(pipSpecs, p.CondaBuildForm())
		}

		env := envexport.FromInstalled(prefixName(cfg.Prefix), cfg.Channels, condaSpecs, pipSpecs)

		if exportOutputPath != "" {
			return envexport.Save(exportOutputPath, env)
		}

		data, err := yaml.Marshal(env)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutputPath, "file", "f", "", "write the environment document to this path instead of stdout")
}

func prefixName(prefix string) string {
	if prefix == "" {
		return "base"
	}
	return filepath.Base(prefix)
}
