package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rediscache "github.com/pario-ai/modelgate/pkg/cache/redis"
	sqlitecache "github.com/pario-ai/modelgate/pkg/cache/sqlite"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persistent response cache tier",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var stats models.CacheStats
			switch cfg.Cache.Backend {
			case "sqlite":
				c, err := sqlitecache.New(cfg.DBPath)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				stats, err = c.Stats(ctx)
				if err != nil {
					return err
				}
			case "redis":
				c, err := rediscache.New(ctx, cfg.Cache.Redis)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				stats, err = c.Stats(ctx)
				if err != nil {
					return err
				}
			default:
				return errMemoryOnly(cfg)
			}
			fmt.Printf("Backend: %s\nEntries: %d\nExpired: %d\n", cfg.Cache.Backend, stats.Entries, stats.Expired)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			n, err := clearCache(cmd.Context(), cfg, expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("%d expired cache entries cleared.\n", n)
			} else {
				fmt.Printf("%d cache entries cleared.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func clearCache(ctx context.Context, cfg *config.Config, expiredOnly bool) (int64, error) {
	switch cfg.Cache.Backend {
	case "sqlite":
		c, err := sqlitecache.New(cfg.DBPath)
		if err != nil {
			return 0, err
		}
		defer func() { _ = c.Close() }()
		return c.Clear(ctx, expiredOnly)
	case "redis":
		// Redis drops expired keys itself.
		if expiredOnly {
			return 0, nil
		}
		c, err := rediscache.New(ctx, cfg.Cache.Redis)
		if err != nil {
			return 0, err
		}
		defer func() { _ = c.Close() }()
		return c.Clear(ctx)
	default:
		return 0, errMemoryOnly(cfg)
	}
}

func errMemoryOnly(cfg *config.Config) error {
	return fmt.Errorf("cache backend %q lives in the server process; use GET /health for its stats", cfg.Cache.Backend)
}
