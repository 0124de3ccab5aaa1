// Package main is the entry point for the flyxd daemon.
package main

import (
	"os"

	"github.com/flyxtv/flyxd/cmd/flyxd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
