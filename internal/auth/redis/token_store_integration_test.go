// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gatekeep/gatekeep/internal/auth/redis"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint + "/0"
}

func TestTokenStore_Redis(t *testing.T) {
	ctx := context.Background()
	client, err := redis.Connect(ctx, startRedis(t), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := redis.NewTokenStore(client)

	t.Run("ttl is applied", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "ttl", "owner", time.Hour))
		ttl, err := client.TTL(ctx, redis.DefaultKeyPrefix+"ttl").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
	})

	t.Run("expired token is absent", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "short", "owner", 50*time.Millisecond))
		time.Sleep(200 * time.Millisecond)
		_, ok, err := store.GetAndDelete(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent consume succeeds once", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "race", "owner", time.Hour))

		var (
			wg    sync.WaitGroup
			hits  atomic.Int32
			start = make(chan struct{})
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok, err := store.GetAndDelete(ctx, "race"); err == nil && ok {
					hits.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), hits.Load())
	})
}
