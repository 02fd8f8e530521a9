// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// TokenStore is the volatile single-use mapping from refresh token to the
// owning principal id.
type TokenStore interface {
	// Put associates key with value for at most ttl. Overwrites are allowed.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// GetAndDelete returns the value and removes key in one indivisible step.
	// Of any number of concurrent callers presenting the same key, at most
	// one observes ok == true.
	GetAndDelete(ctx context.Context, key string) (value string, ok bool, err error)

	// Peek reads the value without consuming it.
	Peek(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// TokenPair is the result of a login or refresh. RefreshToken is delivered
// to the client out of band and must never appear in a response body.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// NewRefreshToken returns a fresh random refresh token.
func NewRefreshToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", oops.Code("AUTH_TOKEN_GENERATION_FAILED").
			With("operation", "generate refresh token").
			Wrap(err)
	}
	return id.String(), nil
}

// WellFormedRefreshToken reports whether token could have been produced by
// NewRefreshToken. Malformed tokens are rejected before touching the store.
func WellFormedRefreshToken(token string) bool {
	if len(token) != 36 {
		return false
	}
	id, err := uuid.Parse(token)
	return err == nil && id.Version() == 4
}
