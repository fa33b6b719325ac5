package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/groovelab/audioengine/internal/routing"
)

// routesCmd lists the configured CDN routes
var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Lists the configured CDN routes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		routes, err := cfg.RouteConfigs()
		if err != nil {
			return err
		}
		return printRoutes(cmd.OutOrStdout(), routes)
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
}

func printRoutes(out io.Writer, routes []routing.RouteConfig) error {
	if len(routes) == 0 {
		fmt.Fprintln(out, "No routes configured")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Endpoint", "Priority")
	for _, rc := range routes {
		if err := table.Append([]string{rc.ID, rc.Endpoint, rc.Priority.String()}); err != nil {
			return fmt.Errorf("render routes: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render routes: %w", err)
	}
	return nil
}
