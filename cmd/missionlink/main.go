// Package main is the entry point for the missionlink server.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/missionlink/cmd/missionlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
