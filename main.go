// Package main is the entry point for the apc coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/cmd"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	cmd.SetVersion(versionString)
	os.Exit(cmd.Execute())
}
