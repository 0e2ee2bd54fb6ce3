package main

import (
	"fmt"

	"github.com/spf13/cobra"

	rediscache "github.com/pario-ai/modelgate/pkg/cache/redis"
	"github.com/pario-ai/modelgate/pkg/config"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var ping bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d models, default %q)\n", *configPath, len(cfg.Models), cfg.Routing.DefaultModel)

			if ping && cfg.Cache.Enabled && cfg.Cache.Backend == "redis" {
				c, err := rediscache.New(cmd.Context(), cfg.Cache.Redis)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				fmt.Printf("redis %s: ok\n", cfg.Cache.Redis.Addr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "also connect to the configured redis cache")
	return cmd
}
