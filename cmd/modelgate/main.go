package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "modelgate",
		Short:         "Model routing and resilience gateway for AI backends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "modelgate.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newModelsCmd(&configPath),
		newCacheCmd(&configPath),
		newStatsCmd(&configPath),
		newCheckCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
