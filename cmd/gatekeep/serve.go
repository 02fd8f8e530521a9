// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/auth/redis"
	"github.com/gatekeep/gatekeep/internal/control"
	"github.com/gatekeep/gatekeep/internal/logging"
	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/internal/store"
	"github.com/gatekeep/gatekeep/internal/web"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

const (
	serviceName     = "gatekeep"
	janitorInterval = time.Minute
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the HTTP API together with the metrics/health server and the
gRPC health service. Configuration comes from flags, the config file,
.env files and GATEKEEP_* environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	registerServeFlags(cmd.Flags())
	return cmd
}

func withServeDefaults(deps *ServeDeps) *ServeDeps {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.PoolConnector == nil {
		deps.PoolConnector = store.Connect
	}
	if deps.RedisConnector == nil {
		deps.RedisConnector = redis.Connect
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if deps.ControlServerFactory == nil {
		deps.ControlServerFactory = func(service string, ready control.ReadinessFunc, logger *slog.Logger) (ControlServer, error) {
			return control.NewHealthServer(service, ready, logger)
		}
	}
	if deps.HTTPServerFactory == nil {
		deps.HTTPServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) HTTPServer {
			return web.NewServer(addr, handler, logger)
		}
	}
	return deps
}

// runServeWithDeps starts the server with injectable dependencies and
// blocks until a signal arrives, ctx ends or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = withServeDefaults(deps)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(logging.Options{
		Service:     serviceName,
		Version:     version,
		Environment: cfg.Environment,
		Format:      cfg.LogFormat,
		Level:       cfg.LogLevel,
	}, deps.LogWriter)
	slog.SetDefault(logger)

	logger.Info("starting gatekeep",
		"http_addr", cfg.HTTPAddr,
		"environment", cfg.Environment,
		"credential_store", cfg.CredentialStore,
		"token_store", cfg.TokenStore,
	)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readiness := observability.NewReadiness()
	stores, err := openStores(ctx, cfg, deps, readiness, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	if cfg.MigrateOnStart {
		if err := runAutoMigration(cfg.DatabaseURL, deps.MigratorFactory, logger); err != nil {
			return err
		}
	}

	var janitors sync.WaitGroup
	janitorCtx, stopJanitors := context.WithCancel(ctx)
	defer func() {
		stopJanitors()
		janitors.Wait()
	}()
	if tokens, ok := stores.tokens.(*memory.TokenStore); ok {
		janitors.Go(func() { tokens.RunJanitor(janitorCtx, janitorInterval) })
	}

	codec, err := auth.NewJWTCodec([]byte(cfg.JWTSecret), cfg.AccessTokenTTL, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "jwt_secret").Wrap(err)
	}
	svc, err := auth.NewAuthServiceWithLogger(stores.principals, stores.tokens, auth.NewArgon2idHasher(), codec, logger,
		auth.WithRefreshTTL(cfg.RefreshTokenTTL))
	if err != nil {
		return err
	}

	var running serverGroup

	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.MetricsAddr, readiness.Check, logger)
		metrics = obsServer.Metrics()
		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			return oops.With("operation", "start observability server").Wrap(startErr)
		}
		running.add("observability", obsServer.Stop)
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	if cfg.ControlAddr != "" {
		controlServer, createErr := deps.ControlServerFactory(serviceName, readiness.Check, logger)
		if createErr != nil {
			running.stop(cfg.ShutdownTimeout, logger)
			return oops.With("operation", "create control server").Wrap(createErr)
		}
		controlErrChan, startErr := controlServer.Start(cfg.ControlAddr, nil)
		if startErr != nil {
			running.stop(cfg.ShutdownTimeout, logger)
			return oops.With("operation", "start control server").Wrap(startErr)
		}
		running.add("control", controlServer.Stop)
		go monitorServerErrors(ctx, cancel, controlErrChan, "control")
	}

	api, err := web.NewAPI(svc, codec, web.Config{
		Production:  cfg.Production(),
		RefreshTTL:  cfg.RefreshTokenTTL,
		CORSOrigins: cfg.CORSOrigins,
	}, logger, metrics)
	if err != nil {
		running.stop(cfg.ShutdownTimeout, logger)
		return err
	}
	handler, err := api.Routes()
	if err != nil {
		running.stop(cfg.ShutdownTimeout, logger)
		return oops.Code("CONFIG_INVALID").With("key", "cors_origins").Wrap(err)
	}

	httpServer := deps.HTTPServerFactory(cfg.HTTPAddr, handler, logger)
	httpErrChan, err := httpServer.Start()
	if err != nil {
		running.stop(cfg.ShutdownTimeout, logger)
		return oops.With("operation", "start http server").Wrap(err)
	}
	// The API drains first on shutdown.
	running.add("http", httpServer.Stop)
	go monitorServerErrors(ctx, cancel, httpErrChan, "http")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	readiness.SetReady(true)
	cmd.Println("gatekeep started")
	logger.Info("gatekeep ready", "http_addr", httpServer.Addr())

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		if parent.Err() == nil {
			serveErr = oops.Code("SERVER_FAILED").Errorf("a server stopped unexpectedly")
		}
		logger.Info("context cancelled, shutting down")
	}

	readiness.SetReady(false)
	logger.Info("shutting down...")
	running.stop(cfg.ShutdownTimeout, logger)
	logger.Info("shutdown complete")
	return serveErr
}

// openedStores holds the credential and token stores plus the handles to
// release on shutdown.
type openedStores struct {
	principals auth.PrincipalRepository
	tokens     auth.TokenStore
	closers    []func()
}

func (s *openedStores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *Config, deps *ServeDeps, readiness *observability.Readiness, logger *slog.Logger) (*openedStores, error) {
	stores := &openedStores{}

	switch cfg.CredentialStore {
	case storePostgres:
		pool, err := deps.PoolConnector(ctx, cfg.DatabaseURL, cfg.ConnectAttempts)
		if err != nil {
			return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
		}
		stores.closers = append(stores.closers, closePool(pool))
		readiness.Add("postgres", observability.PingFunc(pool.Ping))
		stores.principals = postgres.NewPrincipalRepository(pool)
		logger.Info("connected to database")
	default:
		logger.Warn("using in-memory credential store, principals are lost on restart")
		stores.principals = memory.NewPrincipalRepository()
	}

	switch cfg.TokenStore {
	case storeRedis:
		client, err := deps.RedisConnector(ctx, cfg.RedisURL, cfg.ConnectAttempts)
		if err != nil {
			stores.close()
			return nil, oops.Code("REDIS_CONNECT_FAILED").With("operation", "connect to redis").Wrap(err)
		}
		stores.closers = append(stores.closers, closeRedis(client, logger))
		tokens := redis.NewTokenStore(client)
		readiness.Add("redis", tokens)
		stores.tokens = tokens
		logger.Info("connected to redis")
	default:
		logger.Warn("using in-memory token store, sessions are lost on restart")
		stores.tokens = memory.NewTokenStore()
	}

	return stores, nil
}

func closePool(pool *pgxpool.Pool) func() {
	return func() {
		if pool != nil {
			pool.Close()
		}
	}
}

func closeRedis(client *goredis.Client, logger *slog.Logger) func() {
	return func() {
		if client == nil {
			return
		}
		if err := client.Close(); err != nil {
			logger.Debug("error closing redis client", "error", err)
		}
	}
}

// runAutoMigration applies pending migrations before serving.
func runAutoMigration(databaseURL string, factory func(string) (AutoMigrator, error), logger *slog.Logger) error {
	logger.Info("applying database migrations")
	migrator, err := factory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			errutil.LogError(logger, "failed to close migrator", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}
	logger.Info("database migrations applied")
	return nil
}

// serverGroup stops started servers in reverse start order.
type serverGroup struct {
	names []string
	stops []func(context.Context) error
}

func (g *serverGroup) add(name string, stop func(context.Context) error) {
	g.names = append(g.names, name)
	g.stops = append(g.stops, stop)
}

func (g *serverGroup) stop(timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(g.stops) - 1; i >= 0; i-- {
		if err := g.stops[i](ctx); err != nil {
			logger.Warn("error stopping server", "server", g.names[i], "error", err)
		}
	}
	g.names, g.stops = nil, nil
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error is received, the channel is closed or ctx is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
