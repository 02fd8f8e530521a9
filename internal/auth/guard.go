// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Identity is the caller resolved from a verified access token.
type Identity struct {
	PrincipalID ulid.ULID
	Email       string
	Username    string
}

// Authenticate resolves the identity carried by an Authorization header
// value of the form "Bearer <token>". The signed claims are trusted as of
// their issuance; no store lookup happens here.
func Authenticate(codec TokenCodec, authorization string) (Identity, error) {
	token, ok := BearerToken(authorization)
	if !ok {
		return Identity{}, oops.Code(CodeInvalidToken).
			With("reason", "missing bearer token").
			Wrapf(ErrUnauthorized, "authentication required")
	}

	claims, err := codec.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	id, err := ulid.Parse(claims.PrincipalID)
	if err != nil {
		return Identity{}, oops.Code(CodeInvalidToken).
			With("reason", "malformed subject").
			Wrapf(ErrUnauthorized, "invalid or expired token")
	}

	return Identity{PrincipalID: id, Email: claims.Email, Username: claims.Username}, nil
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(authorization string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
