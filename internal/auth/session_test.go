// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
)

func TestNewRefreshToken(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		token, err := auth.NewRefreshToken()
		require.NoError(t, err)
		assert.True(t, auth.WellFormedRefreshToken(token))
		_, dup := seen[token]
		require.False(t, dup, "refresh tokens must not repeat")
		seen[token] = struct{}{}
	}
}

func TestWellFormedRefreshToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"0b6a3c52-4b1e-4c8f-9d7a-2f1e5c3b8a90", true},
		{"", false},
		{"not-a-token", false},
		{"0b6a3c524b1e4c8f9d7a2f1e5c3b8a90", false},
		{"{0b6a3c52-4b1e-4c8f-9d7a-2f1e5c3b8a90}", false},
		// Version 1 UUID.
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.WellFormedRefreshToken(tt.token))
		})
	}
}
