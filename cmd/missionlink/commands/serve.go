package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/missionlink/internal/config"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/pkg/types"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the missionlink server",
	Long: `Start missionlink as a server exposing the /ws websocket endpoint
and the HTTP API for resources, status and lifecycle events.

Configuration is read from missionlink.json[c] in the global config
directory and the working directory; changes to those files adjust
rate limits and the log level without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	if err := config.LoadDotEnv(workDir); err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, appConfig)

	logCloser, err := initLogging(appConfig, paths.LogPath())
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Str("storage", appConfig.StoragePath).
		Msg("Starting missionlink server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appConfig)
	if err != nil {
		return err
	}
	if err := a.run(ctx, workDir); err != nil {
		logging.Error().Err(err).Msg("Server stopped with error")
		return err
	}

	logging.Info().Msg("Server stopped")
	return nil
}

// applyServeFlags lets explicitly set flags override the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *types.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("hostname") {
		cfg.Server.Hostname = serveHostname
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// initLogging writes JSON logs to the state directory, and human-readable
// logs to stderr when --print-logs is given.
func initLogging(cfg *types.Config, logFile string) (io.Closer, error) {
	var out io.Writer = io.Discard
	if printLogs {
		out = os.Stderr
	}
	return logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: out,
		Pretty: printLogs,
		File:   logFile,
	})
}
