package main

import (
	"github.com/spf13/cobra"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/launcher"
)

type rootOptions struct {
	configPath string
	stateToken string
	envFile    string
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the bot.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "sinap",
		Short: "sinap - bot service with hot restart",
		Long: `sinap is a long-running bot service. It can replace its own process
while keeping its in-memory state: the running instance drains its work,
encodes the state into a token and hands it to a freshly started successor.

Send SIGHUP (or run "sinap ctl restart") to restart, SIGINT or SIGTERM to stop.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Optional .env file loaded before the configuration")
	// The state token is passed by a predecessor only.
	flags.StringVar(&opts.stateToken, launcher.StateFlag[2:], "", "State token handed over by the previous process")
	_ = flags.MarkHidden(launcher.StateFlag[2:])

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newCtlCmd(opts))
	return rootCmd
}
