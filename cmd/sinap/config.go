package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/sinap/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Validate sinap configuration.`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate configuration file",
		Long:  `Validate the configuration file and list every problem found.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := opts.configPath
			if len(args) > 0 {
				configPath = args[0]
			}
			if err := config.LoadEnvOptional(opts.envFile); err != nil {
				return withCode(exitConfig, err)
			}

			out := cmd.OutOrStdout()
			cfg, err := config.Load(configPath)
			if err != nil {
				var cerr *config.Error
				if errors.As(err, &cerr) && cerr.Kind == config.Invalid {
					fmt.Fprintf(out, "❌ Configuration validation failed (%s):\n", configPath)
					for _, p := range cerr.Problems {
						fmt.Fprintf(out, "  - %v\n", p)
					}
				}
				return withCode(exitConfig, err)
			}

			fmt.Fprintf(out, "✅ Configuration is valid (%s)\n", cfg.Source)
			return nil
		},
	})
	return configCmd
}
