// Package main is the entry point for runctl, the terminal client of the
// runplane API.
package main

import (
	"os"

	"runplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
