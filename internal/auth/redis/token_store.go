// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package redis provides a Redis-backed auth.TokenStore.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// DefaultKeyPrefix namespaces refresh token keys.
const DefaultKeyPrefix = "refresh_token:"

// commander is the subset of *goredis.Client used by TokenStore.
type commander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	GetDel(ctx context.Context, key string) *goredis.StringCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// TokenStore implements auth.TokenStore on Redis. GetAndDelete maps to the
// GETDEL command (Redis 6.2+), which is atomic on the server.
type TokenStore struct {
	client commander
	prefix string
}

// NewTokenStore wraps client, namespacing keys with DefaultKeyPrefix.
func NewTokenStore(client *goredis.Client) *TokenStore {
	return newTokenStore(client, DefaultKeyPrefix)
}

// NewTokenStoreWithPrefix wraps client with a custom key namespace.
func NewTokenStoreWithPrefix(client *goredis.Client, prefix string) *TokenStore {
	return newTokenStore(client, prefix)
}

func newTokenStore(client commander, prefix string) *TokenStore {
	return &TokenStore{client: client, prefix: prefix}
}

// Put implements auth.TokenStore.
func (s *TokenStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return oops.Code("TOKEN_STORE_INVALID_TTL").With("ttl", ttl.String()).Errorf("ttl must be positive")
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return oops.Code("TOKEN_STORE_PUT_FAILED").With("operation", "set").Wrap(err)
	}
	return nil
}

// GetAndDelete implements auth.TokenStore.
func (s *TokenStore) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.GetDel(ctx, s.prefix+key).Result()
	return result(value, err, "getdel")
}

// Peek implements auth.TokenStore.
func (s *TokenStore) Peek(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	return result(value, err, "get")
}

// Delete implements auth.TokenStore.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return oops.Code("TOKEN_STORE_DELETE_FAILED").With("operation", "del").Wrap(err)
	}
	return nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *TokenStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return oops.Code("TOKEN_STORE_UNAVAILABLE").With("operation", "ping").Wrap(err)
	}
	return nil
}

func result(value string, err error, op string) (string, bool, error) {
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.Code("TOKEN_STORE_READ_FAILED").With("operation", op).Wrap(err)
	}
	return value, true, nil
}

// Connect parses a redis:// URL, dials and pings until the server answers,
// ctx ends or attempts are exhausted.
func Connect(ctx context.Context, url string, attempts uint64) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_INVALID_URL").With("operation", "parse url").Wrap(err)
	}
	client := goredis.NewClient(opts)

	backoff := retry.WithMaxRetries(attempts, retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").
			With("operation", "ping").
			With("addr", opts.Addr).
			Wrap(err)
	}
	return client, nil
}

var _ auth.TokenStore = (*TokenStore)(nil)
