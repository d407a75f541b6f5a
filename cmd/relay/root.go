package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Streaming chat orchestration service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is fine; real deployments use the environment.
		_ = godotenv.Load()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "etc/relay.yaml", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
