package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/modelgate/pkg/config"
)

func newModelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and their fallback chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tUPSTREAM\tTIMEOUT\tATTEMPTS\tFALLBACK")
			for _, m := range cfg.Models {
				id := m.ID
				if id == cfg.Routing.DefaultModel {
					id += " (default)"
				}
				fallback := "-"
				if len(m.Fallback) > 0 {
					fallback = strings.Join(m.Fallback, " -> ")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					id, m.Provider, m.BackendModel(), m.Timeout, m.MaxAttempts, fallback)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if cfg.Routing.AllowAnyModel {
				fmt.Printf("\nUnknown models are passed through via %q.\n", cfg.Routing.PassthroughVia)
			}
			return nil
		},
	}
}
