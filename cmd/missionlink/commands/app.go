package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/missionlink/internal/auth"
	"github.com/opencode-ai/missionlink/internal/config"
	"github.com/opencode-ai/missionlink/internal/dispatch"
	"github.com/opencode-ai/missionlink/internal/engine"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/provider"
	"github.com/opencode-ai/missionlink/internal/ratelimit"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/server"
	"github.com/opencode-ai/missionlink/internal/storage"
	"github.com/opencode-ai/missionlink/internal/supervisor"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// limiterPrune is how often idle rate limit buckets are dropped.
const limiterPrune = 5 * time.Minute

// app is a fully wired missionlink server.
type app struct {
	cfg        *types.Config
	repo       *storage.Repository
	registry   *registry.Registry
	providers  *provider.Registry
	bus        *event.Bus
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
	server     *server.Server

	connectLimit *ratelimit.Limiter
	startLimit   *ratelimit.Limiter
}

// newApp builds every component from cfg.
func newApp(ctx context.Context, cfg *types.Config) (*app, error) {
	a := &app{
		cfg:          cfg,
		repo:         storage.NewRepository(storage.New(cfg.StoragePath)),
		registry:     registry.New(cfg.Connection.RegistryShards),
		bus:          event.NewBus(),
		connectLimit: ratelimit.New(cfg.RateLimit.Connect.Rate, cfg.RateLimit.Connect.Burst),
		startLimit:   ratelimit.New(cfg.RateLimit.Start.Rate, cfg.RateLimit.Start.Burst),
	}

	providers, err := provider.InitializeBackends(ctx, cfg)
	if err != nil {
		_ = a.bus.Close()
		return nil, fmt.Errorf("initialize backends: %w", err)
	}
	a.providers = providers

	a.engine = engine.New(a.repo, a.registry, providers, engine.Config{
		MinFlushBytes:  cfg.Execution.MinFlushBytes,
		MaxOpenRetries: cfg.Execution.MaxOpenRetries,
		MaxTokens:      cfg.Execution.MaxTokens,
		SystemPrompt:   cfg.Execution.SystemPrompt,
	}, engine.WithAdmission(a.startLimit), engine.WithBus(a.bus))

	supOpts := []supervisor.Option{
		supervisor.WithAdmission(a.connectLimit),
		supervisor.WithBus(a.bus),
	}
	if cfg.Auth.Secret != "" || len(cfg.Auth.Tokens) > 0 {
		supOpts = append(supOpts, supervisor.WithAuthenticator(auth.New(auth.Config{
			Secret: cfg.Auth.Secret,
			Issuer: cfg.Auth.Issuer,
			Tokens: cfg.Auth.Tokens,
		})))
	} else if cfg.Auth.Required {
		logging.Warn().Msg("Authentication required but no secret or tokens configured; every connection will be refused")
	}

	a.supervisor = supervisor.New(supervisor.Config{
		AuthRequired:    cfg.Auth.Required,
		AuthTimeout:     cfg.Auth.Timeout.Std(),
		PingInterval:    cfg.Connection.PingInterval.Std(),
		PongMultiplier:  cfg.Connection.PongMultiplier,
		WriteWait:       cfg.Connection.WriteWait.Std(),
		MaxMessageSize:  cfg.Connection.MaxMessageSize,
		OutboundQueue:   cfg.Connection.OutboundQueue,
		ActivityRefresh: cfg.Connection.ActivityRefresh.Std(),
	}, a.registry, dispatch.New(a.registry, a.engine, a.repo), a.engine, supOpts...)

	serverConfig := server.DefaultConfig()
	serverConfig.Hostname = cfg.Server.Hostname
	serverConfig.Port = cfg.Server.Port
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins

	a.server = server.New(serverConfig, server.Deps{
		Supervisor: a.supervisor,
		Engine:     a.engine,
		Repository: a.repo,
		Registry:   a.registry,
		Providers:  providers,
		Bus:        a.bus,
	})
	return a, nil
}

// reload applies the settings that may change while running.
func (a *app) reload(cfg *types.Config) {
	a.connectLimit.SetLimit(cfg.RateLimit.Connect.Rate, cfg.RateLimit.Connect.Burst)
	a.startLimit.SetLimit(cfg.RateLimit.Start.Rate, cfg.RateLimit.Start.Burst)
	if logLevel == "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	logging.Info().
		Float64("connect_rate", cfg.RateLimit.Connect.Rate).
		Float64("start_rate", cfg.RateLimit.Start.Rate).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration reloaded")
}

// watch reloads the configuration of workDir whenever one of its files changes.
func (a *app) watch(ctx context.Context, workDir string) {
	err := config.Watch(ctx, config.Sources(workDir), func() {
		cfg, err := config.Load(workDir)
		if err != nil {
			logging.Warn().Err(err).Msg("Configuration reload failed, keeping current settings")
			return
		}
		a.reload(cfg)
	})
	if err != nil {
		logging.Warn().Err(err).Msg("Configuration watcher stopped")
	}
}

// run serves until ctx is done, then shuts down within the configured grace.
func (a *app) run(ctx context.Context, workDir string) error {
	bgCtx, stop := context.WithCancel(ctx)
	defer stop()

	go a.connectLimit.Run(bgCtx, limiterPrune)
	go a.startLimit.Run(bgCtx, limiterPrune)
	go a.watch(bgCtx, workDir)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("server: %w", runErr)
		}
	}

	logging.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Execution.ShutdownGrace.Std())
	defer cancel()

	return errors.Join(runErr, a.close(shutdownCtx))
}

func (a *app) close(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	return errors.Join(err, a.bus.Close())
}
