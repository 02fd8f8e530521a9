// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	cryptotls "crypto/tls"
	"io"
	"log/slog"
	"net/http"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatekeep/gatekeep/internal/control"
	"github.com/gatekeep/gatekeep/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// PoolConnector opens the PostgreSQL pool.
	// Default: store.Connect
	PoolConnector func(ctx context.Context, url string, attempts uint64) (*pgxpool.Pool, error)

	// RedisConnector opens the Redis client.
	// Default: redis.Connect
	RedisConnector func(ctx context.Context, url string, attempts uint64) (*goredis.Client, error)

	// MigratorFactory creates the migrator used by migrate_on_start.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// ControlServerFactory creates the gRPC health server.
	// Default: control.NewHealthServer
	ControlServerFactory func(service string, ready control.ReadinessFunc, logger *slog.Logger) (ControlServer, error)

	// HTTPServerFactory creates the API server.
	// Default: web.NewServer
	HTTPServerFactory func(addr string, handler http.Handler, logger *slog.Logger) HTTPServer

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer
}

// AutoMigrator wraps the methods used from store.Migrator on startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ControlServer wraps the methods used from control.HealthServer.
type ControlServer interface {
	Start(addr string, tlsConfig *cryptotls.Config) (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// HTTPServer wraps the methods used from web.Server.
type HTTPServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
