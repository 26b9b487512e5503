package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "calview",
	Short: "Calendar image generation and cache service",
	Long: `calview turns calendar-backed page configurations into pre-rendered
images, serving them over HTTP from a two-tier cache and regenerating them
on a per-config cron schedule.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML settings file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(renderCmd)
}
