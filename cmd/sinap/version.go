package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/sinap/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  `Display the version, build time, git commit and Go version of sinap.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "sinap - bot service with hot restart")
			fmt.Fprintf(out, "Version: %s\n", version.Version)
			fmt.Fprintf(out, "Build Time: %s\n", version.BuildTime)
			fmt.Fprintf(out, "Git Commit: %s\n", version.GitCommit)
			fmt.Fprintf(out, "Go Version: %s\n", version.GoVersion)
		},
	}
}
