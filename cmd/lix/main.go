package main

import (
	"fmt"
	"os"

	"lix/internal/cli/commands"
)

// Build info, set via -ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lix: %v\n", err)
		os.Exit(1)
	}
}
