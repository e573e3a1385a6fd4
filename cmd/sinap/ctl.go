package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/sinap/internal/commands"
	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/control"
	"github.com/aatumaykin/sinap/internal/retry"
)

func newCtlCmd(opts *rootOptions) *cobra.Command {
	var attempts int

	ctlCmd := &cobra.Command{
		Use:       "ctl <status|restart|stop>",
		Short:     "Send a command to the running instance",
		Long:      `Send an administrative command over the control socket of the running instance.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: commands.Commands(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvOptional(opts.envFile); err != nil {
				return withCode(exitConfig, err)
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return withCode(exitConfig, err)
			}

			// A restart waits for the drain and the successor.
			timeout := cfg.Lifecycle.DrainTimeout() + cfg.Lifecycle.ReadyTimeout() + 10*time.Second
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := control.Send(ctx, cfg.ControlSocket(), args[0], retry.Config{MaxAttempts: attempts})
			if err != nil {
				return withCode(exitCtl, err)
			}
			return printResponse(cmd, resp)
		},
	}
	ctlCmd.Flags().IntVar(&attempts, "attempts", 5, "Connection attempts while the instance is starting")
	return ctlCmd
}

func printResponse(cmd *cobra.Command, resp *control.Response) error {
	out := cmd.OutOrStdout()
	if resp.Status == nil {
		fmt.Fprintf(out, "✅ %s\n", resp.Message)
		return nil
	}
	data, err := json.MarshalIndent(resp.Status, "", "  ")
	if err != nil {
		return withCode(exitCtl, err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
