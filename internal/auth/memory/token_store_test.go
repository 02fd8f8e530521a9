// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gatekeep/gatekeep/internal/auth/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTokenStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTokenStore()

	require.NoError(t, store.Put(ctx, "k", "owner", time.Hour))

	v, ok, err := store.Peek(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner", v)

	v, ok, err = store.GetAndDelete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner", v)

	_, ok, err = store.GetAndDelete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "second consume sees nothing")

	require.NoError(t, store.Delete(ctx, "k"), "deleting an absent key is fine")
}

func TestTokenStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTokenStore()

	require.NoError(t, store.Put(ctx, "k", "a", time.Hour))
	require.NoError(t, store.Put(ctx, "k", "b", time.Hour))

	v, ok, err := store.Peek(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTokenStore_Expiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewTokenStoreWithClock(c.Now)

	require.NoError(t, store.Put(ctx, "short", "x", time.Minute))
	require.NoError(t, store.Put(ctx, "long", "y", time.Hour))

	c.Advance(time.Minute)
	_, ok, err := store.Peek(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "entries expire at their deadline")

	_, ok, err = store.GetAndDelete(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokenStore_Sweep(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewTokenStoreWithClock(c.Now)

	require.NoError(t, store.Put(ctx, "a", "x", time.Minute))
	require.NoError(t, store.Put(ctx, "b", "x", time.Minute))
	require.NoError(t, store.Put(ctx, "c", "x", time.Hour))

	c.Advance(2 * time.Minute)
	assert.Equal(t, 2, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestTokenStore_RunJanitorStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.NewTokenStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestTokenStore_CanceledContext(t *testing.T) {
	store := memory.NewTokenStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "k", "v", time.Hour), context.Canceled)
	_, _, err := store.GetAndDelete(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenStore_GetAndDeleteIsAtomic(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := memory.NewTokenStore()

	for round := range 50 {
		require.NoError(t, store.Put(ctx, "k", "owner", time.Hour))

		var (
			wg    sync.WaitGroup
			hits  atomic.Int32
			start = make(chan struct{})
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok, err := store.GetAndDelete(ctx, "k"); err == nil && ok {
					hits.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), hits.Load(), "round %d", round)
	}
}
