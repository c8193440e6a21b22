package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/woble/pkg/config"
)

// loadConfig returns the defaults, overlaid from --config when given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}
