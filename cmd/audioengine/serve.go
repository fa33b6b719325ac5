package main

import (
	"github.com/spf13/cobra"

	"github.com/groovelab/audioengine"
)

// serveCmd runs the engine and its HTTP API until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the engine and serves its HTTP API",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		audioengine.Main(cfgFile, cmd.Flags())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
