// Package main is the RPA Hub CLI entry point. Every hub process is a
// subcommand of the same binary.
package main

import (
	"fmt"
	"os"

	"github.com/rpahub/rpahub/cmd/rpahub/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
