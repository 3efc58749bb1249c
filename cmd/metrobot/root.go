package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "metrobot",
		Short:         "Metro network status announcer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; the token may come from the config or the environment.
			_ = godotenv.Load(envFile)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "./config.json", "Configuration file path (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")

	rootCmd.AddCommand(newRunCommand(&configFlag))
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newOverridesCommand())
	rootCmd.AddCommand(newHistoryCommand(&configFlag))
	return rootCmd
}
