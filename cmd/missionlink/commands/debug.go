package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/missionlink/internal/config"
)

const redacted = "[redacted]"

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting missionlink configuration and setup.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration with secrets redacted",
	RunE:  runDebugConfig,
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show system paths",
	RunE:  runDebugPaths,
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	if appConfig.Auth.Secret != "" {
		appConfig.Auth.Secret = redacted
	}
	if len(appConfig.Auth.Tokens) > 0 {
		tokens := make(map[string]string, len(appConfig.Auth.Tokens))
		for _, user := range appConfig.Auth.Tokens {
			tokens[redacted+" "+user] = user
		}
		appConfig.Auth.Tokens = tokens
	}
	for id, p := range appConfig.Provider {
		if p.APIKey != "" {
			p.APIKey = redacted
			appConfig.Provider[id] = p
		}
	}

	data, err := json.MarshalIndent(appConfig, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runDebugPaths(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "missionlink System Paths:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:   %s\n", paths.Config)
	fmt.Fprintf(out, "  Data:     %s\n", paths.Data)
	fmt.Fprintf(out, "  State:    %s\n", paths.State)
	fmt.Fprintf(out, "  Storage:  %s\n", paths.StoragePath())
	fmt.Fprintf(out, "  Log:      %s\n", paths.LogPath())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Config files (later override earlier):")
	for _, src := range config.Sources("") {
		fmt.Fprintf(out, "  %s\n", src)
	}
	return nil
}
