package main

import (
	"fmt"
	"os"

	"github.com/aatumaykin/sinap/internal/version"
)

var (
	Version   string = "0.1.0-dev"
	BuildTime string = "unknown"
	GitCommit string = "unknown"
	GoVersion string = ""
)

func init() {
	version.SetInfo(Version, BuildTime, GitCommit, GoVersion)
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}
	os.Exit(exitCode(err))
}
