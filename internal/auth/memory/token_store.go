// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package memory provides in-process implementations of the auth stores for
// development and tests. State is lost on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gatekeep/gatekeep/internal/auth"
)

type tokenEntry struct {
	value     string
	expiresAt time.Time
}

// TokenStore is a mutex-guarded auth.TokenStore with lazy expiry.
type TokenStore struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return NewTokenStoreWithClock(time.Now)
}

// NewTokenStoreWithClock creates a TokenStore using now as its time source.
func NewTokenStoreWithClock(now func() time.Time) *TokenStore {
	return &TokenStore{entries: make(map[string]tokenEntry), now: now}
}

// Put implements auth.TokenStore.
func (s *TokenStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = tokenEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetAndDelete implements auth.TokenStore. The read and removal happen under
// one lock acquisition.
func (s *TokenStore) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if ok {
		delete(s.entries, key)
	}
	return entry.value, ok, nil
}

// Peek implements auth.TokenStore.
func (s *TokenStore) Peek(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	return entry.value, ok, nil
}

// Delete implements auth.TokenStore.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *TokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is done.
func (s *TokenStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// live must be called with mu held. Expired entries are removed on sight.
func (s *TokenStore) live(key string) (tokenEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return tokenEntry{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return tokenEntry{}, false
	}
	return entry, true
}

var _ auth.TokenStore = (*TokenStore)(nil)
