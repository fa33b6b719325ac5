package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groovelab/audioengine"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "audioengine",
	Short: "Adaptive audio delivery engine",
	Long: `Serves adaptive quality scaling, CDN route selection and exercise
asset delivery for practice sessions.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default is $HOME/.audioengine.yaml)")
	rootCmd.PersistentFlags().String("listen", "", "HTTP listen address")
	rootCmd.PersistentFlags().String("log_level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("usage_db", "", "path to the SQLite usage database")
	rootCmd.PersistentFlags().String("quality", "", "initial quality level")
}

func loadConfig(cmd *cobra.Command) (audioengine.Config, error) {
	cfg, err := audioengine.LoadConfig(cfgFile, cmd.Flags())
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
