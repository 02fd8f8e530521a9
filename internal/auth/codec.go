// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// MinSecretLength is the minimum HMAC signing secret size in bytes.
const MinSecretLength = 32

// Claims is the identity asserted by an access token.
type Claims struct {
	PrincipalID string
	Email       string
	Username    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenCodec signs and verifies access tokens.
type TokenCodec interface {
	// Sign encodes claims with an issued-at and expiry. It returns the token
	// and its expiry.
	Sign(claims Claims) (string, time.Time, error)

	// Verify returns the claims of a valid token. Any failure wraps
	// ErrUnauthorized.
	Verify(token string) (Claims, error)
}

type accessClaims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTCodec is an HS256 TokenCodec.
type JWTCodec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// JWTOption configures a JWTCodec.
type JWTOption func(*JWTCodec)

// WithIssuer sets the iss claim and requires it on verification.
func WithIssuer(issuer string) JWTOption {
	return func(c *JWTCodec) { c.issuer = issuer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) JWTOption {
	return func(c *JWTCodec) { c.now = now }
}

// NewJWTCodec creates a codec signing with secret; tokens live for ttl.
func NewJWTCodec(secret []byte, ttl time.Duration, opts ...JWTOption) (*JWTCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, oops.Code("AUTH_WEAK_SECRET").
			With("length", len(secret)).
			Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, oops.Code("AUTH_INVALID_TTL").Errorf("access token ttl must be positive")
	}

	c := &JWTCodec{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.issuer))
	}
	c.parser = jwt.NewParser(parserOpts...)

	return c, nil
}

// TTL returns the access token lifetime.
func (c *JWTCodec) TTL() time.Duration {
	return c.ttl
}

// Sign implements TokenCodec.
func (c *JWTCodec) Sign(claims Claims) (string, time.Time, error) {
	if claims.PrincipalID == "" {
		return "", time.Time{}, oops.Code("AUTH_SIGN_FAILED").Errorf("principal id is required")
	}

	issued := c.now()
	expires := issued.Add(c.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Email:    claims.Email,
		Username: claims.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.PrincipalID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, oops.Code("AUTH_SIGN_FAILED").
			With("operation", "sign access token").
			Wrap(err)
	}
	// NumericDate drops sub-second precision; report what the token says.
	return signed, expires.Truncate(time.Second), nil
}

// Verify implements TokenCodec. Expiry is a hard boundary: a token is
// rejected from the second its exp claim names.
func (c *JWTCodec) Verify(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, invalidToken("empty token", nil)
	}

	var parsed accessClaims
	token, err := c.parser.ParseWithClaims(tokenString, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return Claims{}, invalidToken("parse access token", err)
	}
	if !token.Valid || parsed.Subject == "" {
		return Claims{}, invalidToken("access token rejected", nil)
	}

	claims := Claims{
		PrincipalID: parsed.Subject,
		Email:       parsed.Email,
		Username:    parsed.Username,
		ExpiresAt:   parsed.ExpiresAt.Time,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	return claims, nil
}

func invalidToken(reason string, cause error) error {
	b := oops.Code(CodeInvalidToken).With("reason", reason)
	if cause != nil {
		b = b.With("cause", cause.Error())
	}
	return b.Wrapf(ErrUnauthorized, "invalid or expired token")
}
