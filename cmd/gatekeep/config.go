// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"errors"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/store"
	"github.com/gatekeep/gatekeep/internal/xdg"
)

// envPrefix namespaces environment overrides, e.g. GATEKEEP_HTTP_ADDR.
const envPrefix = "GATEKEEP_"

// Store backends.
const (
	storeMemory   = "memory"
	storeRedis    = "redis"
	storePostgres = "postgres"
)

// Default values for serve flags.
const (
	defaultEnvironment     = "development"
	defaultHTTPAddr        = ":3000"
	defaultMetricsAddr     = "127.0.0.1:9100"
	defaultControlAddr     = "127.0.0.1:9101"
	defaultLogFormat       = "json"
	defaultLogLevel        = "info"
	defaultJWTIssuer       = "gatekeep"
	defaultShutdownTimeout = 10 * time.Second
)

// unprefixedEnv are the conventional variable names honored without the
// GATEKEEP_ prefix.
var unprefixedEnv = map[string]string{
	"DATABASE_URL": "database_url",
	"REDIS_URL":    "redis_url",
	"JWT_SECRET":   "jwt_secret",
}

// Config is the resolved server configuration.
type Config struct {
	Environment     string        `koanf:"environment"`
	HTTPAddr        string        `koanf:"http_addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ControlAddr     string        `koanf:"control_addr"`
	LogFormat       string        `koanf:"log_format"`
	LogLevel        string        `koanf:"log_level"`
	DatabaseURL     string        `koanf:"database_url"`
	RedisURL        string        `koanf:"redis_url"`
	TokenStore      string        `koanf:"token_store"`
	CredentialStore string        `koanf:"credential_store"`
	JWTSecret       string        `koanf:"jwt_secret"`
	JWTIssuer       string        `koanf:"jwt_issuer"`
	AccessTokenTTL  time.Duration `koanf:"access_token_ttl"`
	RefreshTokenTTL time.Duration `koanf:"refresh_token_ttl"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	ConnectAttempts uint64        `koanf:"connect_attempts"`
}

// Production reports whether the server runs with production hardening.
func (cfg *Config) Production() bool {
	return cfg.Environment == "production"
}

// Validate checks that the configuration is usable.
func (cfg *Config) Validate() error {
	if cfg.HTTPAddr == "" {
		return invalidConfig("http_addr", "http_addr is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return invalidConfig("log_format", "log_format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.LogLevel)) {
		return invalidConfig("log_level", "log_level must be debug, info, warn or error, got %q", cfg.LogLevel)
	}

	switch cfg.TokenStore {
	case storeRedis:
		if cfg.RedisURL == "" {
			return invalidConfig("redis_url", "redis_url is required when token_store is %q", storeRedis)
		}
	case storeMemory:
	default:
		return invalidConfig("token_store", "token_store must be %q or %q, got %q", storeRedis, storeMemory, cfg.TokenStore)
	}

	switch cfg.CredentialStore {
	case storePostgres:
		if cfg.DatabaseURL == "" {
			return invalidConfig("database_url", "database_url is required when credential_store is %q", storePostgres)
		}
	case storeMemory:
		if cfg.MigrateOnStart {
			return invalidConfig("migrate_on_start", "migrate_on_start needs credential_store %q", storePostgres)
		}
	default:
		return invalidConfig("credential_store", "credential_store must be %q or %q, got %q", storePostgres, storeMemory, cfg.CredentialStore)
	}

	if len(cfg.JWTSecret) < auth.MinSecretLength {
		return invalidConfig("jwt_secret", "jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}
	if cfg.AccessTokenTTL <= 0 {
		return invalidConfig("access_token_ttl", "access_token_ttl must be positive")
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return invalidConfig("refresh_token_ttl", "refresh_token_ttl must exceed access_token_ttl")
	}
	if cfg.ShutdownTimeout <= 0 {
		return invalidConfig("shutdown_timeout", "shutdown_timeout must be positive")
	}
	if cfg.ConnectAttempts == 0 {
		return invalidConfig("connect_attempts", "connect_attempts must be at least 1")
	}
	return nil
}

func invalidConfig(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
}

// registerServeFlags defines the serve flags. Their defaults are the lowest
// configuration layer.
func registerServeFlags(flags *pflag.FlagSet) {
	flags.String("environment", defaultEnvironment, "deployment environment (production enables secure cookies)")
	flags.String("http-addr", defaultHTTPAddr, "API listen address")
	flags.String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.String("control-addr", defaultControlAddr, "gRPC health listen address (empty = disabled)")
	flags.String("log-format", defaultLogFormat, "log format (json or text)")
	flags.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	flags.String("database-url", "", "PostgreSQL URL (also DATABASE_URL)")
	flags.String("redis-url", "", "Redis URL (also REDIS_URL)")
	flags.String("token-store", storeRedis, "refresh token store (redis or memory)")
	flags.String("credential-store", storePostgres, "credential store (postgres or memory)")
	flags.String("jwt-secret", "", "access token signing secret, at least 32 bytes (also JWT_SECRET)")
	flags.String("jwt-issuer", defaultJWTIssuer, "access token issuer")
	flags.Duration("access-token-ttl", auth.DefaultAccessTokenTTL, "access token lifetime")
	flags.Duration("refresh-token-ttl", auth.DefaultRefreshTokenTTL, "refresh token lifetime")
	flags.StringSlice("cors-origins", nil, "allowed browser origins, glob patterns")
	flags.Duration("shutdown-timeout", defaultShutdownTimeout, "graceful shutdown timeout")
	flags.Bool("migrate-on-start", false, "apply pending migrations before serving")
	flags.Uint64("connect-attempts", store.DefaultConnectAttempts, "startup connection attempts for postgres and redis")
}

// loadConfig layers, lowest to highest: flag defaults, the YAML file,
// .env files, environment variables, then flags set on the command line.
// An explicit path must exist; the XDG default is optional.
func loadConfig(flags *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
	}

	if err := loadConfigFile(k, path); err != nil {
		return nil, err
	}

	environment := k.String("environment")
	if v := os.Getenv(envPrefix + "ENVIRONMENT"); v != "" {
		environment = v
	}
	if err := loadDotEnv(environment); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return unprefixedEnv[s]
	}), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", prefixedEnv), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	// Second pass: only flags changed on the command line override now.
	if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "unmarshal config").Wrap(err)
	}
	return &cfg, nil
}

// prefixedEnv maps GATEKEEP_CORS_ORIGINS to cors_origins. List values are
// comma separated.
func prefixedEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if key == "cors_origins" {
		var origins []string
		for origin := range strings.SplitSeq(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		return key, origins
	}
	return key, value
}

// flagKey maps --http-addr to http_addr. Flags that are not config keys
// are skipped.
func flagKey(flags *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		if f.Name == "config" || f.Name == "help" {
			return "", nil
		}
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
	}
}

func loadConfigFile(k *koanf.Koanf, path string) error {
	if path == "" {
		defaultPath, err := xdg.ConfigFile()
		if err != nil {
			return nil //nolint:nilerr // no home directory means no default file
		}
		if _, statErr := os.Stat(defaultPath); statErr != nil {
			return nil //nolint:nilerr // the default file is optional
		}
		path = defaultPath
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", path).Wrap(err)
	}
	return nil
}

// loadDotEnv exports .env.<environment> then .env into the process
// environment. Variables already set are never overwritten, so the first
// file wins over the second.
func loadDotEnv(environment string) error {
	var files []string
	if environment != "" {
		files = append(files, ".env."+environment)
	}
	files = append(files, ".env")

	for _, name := range files {
		if _, err := os.Stat(name); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return oops.Code("CONFIG_LOAD_FAILED").With("source", "dotenv").With("path", name).Wrap(err)
		}
	}
	return nil
}
