package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const appName = "dispatch-server"

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func versionString() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s/%s)",
		appName, version, commit, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}
