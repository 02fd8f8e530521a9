// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Service implements register, login, refresh, logout and identify. It holds
// only collaborator handles and is safe for concurrent use.
type Service struct {
	principals PrincipalRepository
	tokens     TokenStore
	hasher     PasswordHasher
	codec      TokenCodec
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.refreshTTL = ttl }
}

// WithServiceClock overrides the time source used for refresh token expiry
// and profile timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewAuthService creates a Service that logs through slog.Default.
func NewAuthService(principals PrincipalRepository, tokens TokenStore, hasher PasswordHasher, codec TokenCodec, opts ...ServiceOption) (*Service, error) {
	return NewAuthServiceWithLogger(principals, tokens, hasher, codec, slog.Default(), opts...)
}

// NewAuthServiceWithLogger creates a Service with an explicit logger.
func NewAuthServiceWithLogger(principals PrincipalRepository, tokens TokenStore, hasher PasswordHasher, codec TokenCodec, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if principals == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("principal repository is required")
	}
	if tokens == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("token store is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("password hasher is required")
	}
	if codec == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("token codec is required")
	}
	if logger == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("logger is required")
	}

	s := &Service{
		principals: principals,
		tokens:     tokens,
		hasher:     hasher,
		codec:      codec,
		refreshTTL: DefaultRefreshTokenTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.refreshTTL <= 0 {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("refresh token ttl must be positive")
	}
	return s, nil
}

// RefreshTTL returns the refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// dummyPasswordHash is verified against when the email is unknown so both
// failure paths cost one argon2 evaluation. It matches no password.
//
//nolint:gosec // G101: not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates a principal and returns its owner view.
func (s *Service) Register(ctx context.Context, email, username, password string) (PrincipalView, error) {
	email = NormalizeEmail(email)
	verr := &ValidationError{}
	if err := ValidateEmail(email); err != nil {
		verr.Add("email", err.Error())
	}
	if err := ValidateUsername(username); err != nil {
		verr.Add("username", err.Error())
	}
	if err := ValidatePassword(password); err != nil {
		verr.Add("password", err.Error())
	}
	if !verr.Empty() {
		return PrincipalView{}, oops.Code(CodeValidation).With("operation", "register").Wrap(verr)
	}

	taken, err := s.principals.IsTaken(ctx, email, username, ulid.ULID{})
	if err != nil {
		return PrincipalView{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "check uniqueness").
			Wrap(err)
	}
	if taken {
		return PrincipalView{}, conflict("register")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return PrincipalView{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	principal, err := NewPrincipal(email, username, hash)
	if err != nil {
		return PrincipalView{}, err
	}

	if err := s.principals.Create(ctx, principal); err != nil {
		// The store's unique constraint settles concurrent registrations.
		if errors.Is(err, ErrConflict) {
			return PrincipalView{}, conflict("register")
		}
		return PrincipalView{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create principal").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "principal registered", "principal_id", principal.ID.String())
	return principal.View(), nil
}

// Login verifies credentials and issues a token pair. Unknown emails and
// wrong passwords produce the same error after the same amount of work.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	principal, lookupErr := s.principals.GetByEmail(ctx, NormalizeEmail(email))

	targetHash := dummyPasswordHash
	switch {
	case lookupErr == nil:
		targetHash = principal.PasswordHash
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "get principal by email").
			Wrap(lookupErr)
	}

	match, verifyErr := s.hasher.Verify(password, targetHash)
	if lookupErr != nil || verifyErr != nil || !match {
		if verifyErr != nil && lookupErr == nil {
			s.logger.WarnContext(ctx, "stored password hash could not be verified",
				"principal_id", principal.ID.String(), "error", verifyErr)
		}
		return nil, invalidCredentials()
	}

	if s.hasher.NeedsUpgrade(principal.PasswordHash) {
		s.upgradeHash(ctx, principal.ID, password)
	}

	return s.issue(ctx, principal)
}

func (s *Service) upgradeHash(ctx context.Context, id ulid.ULID, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.principals.UpdatePassword(ctx, id, hash)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "password hash upgrade failed", "principal_id", id.String(), "error", err)
	}
}

// Refresh consumes refreshToken and issues a new pair for its owner. The
// presented token is never valid again, whatever the outcome.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if !WellFormedRefreshToken(refreshToken) {
		return nil, invalidRefreshToken("malformed")
	}

	owner, ok, err := s.tokens.GetAndDelete(ctx, refreshToken)
	if err != nil {
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "consume refresh token").
			Wrap(err)
	}
	if !ok {
		return nil, invalidRefreshToken("unknown or consumed")
	}

	id, err := ulid.Parse(owner)
	if err != nil {
		s.logger.WarnContext(ctx, "refresh token mapped to malformed principal id", "owner", owner)
		return nil, invalidRefreshToken("malformed owner")
	}

	principal, err := s.principals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "refresh token presented for missing principal", "principal_id", owner)
			return nil, invalidRefreshToken("principal missing")
		}
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "get principal by id").
			With("principal_id", owner).
			Wrap(err)
	}

	return s.issue(ctx, principal)
}

// Logout revokes refreshToken on behalf of caller. An empty or already
// consumed token is a no-op. A token owned by someone else is left intact.
func (s *Service) Logout(ctx context.Context, refreshToken string, caller ulid.ULID) error {
	if refreshToken == "" {
		return nil
	}

	owner, ok, err := s.tokens.Peek(ctx, refreshToken)
	if err != nil {
		return oops.Code("AUTH_LOGOUT_FAILED").
			With("operation", "peek refresh token").
			Wrap(err)
	}
	if !ok {
		return nil
	}
	if owner != caller.String() {
		s.logger.WarnContext(ctx, "logout attempted with foreign refresh token",
			"principal_id", caller.String())
		return oops.Code(CodeForbidden).
			With("principal_id", caller.String()).
			Wrapf(ErrForbidden, "refresh token belongs to another principal")
	}

	if err := s.tokens.Delete(ctx, refreshToken); err != nil {
		return oops.Code("AUTH_LOGOUT_FAILED").
			With("operation", "delete refresh token").
			Wrap(err)
	}
	return nil
}

// Identify returns the owner view of a principal.
func (s *Service) Identify(ctx context.Context, id ulid.ULID) (PrincipalView, error) {
	principal, err := s.lookup(ctx, id, "identify")
	if err != nil {
		return PrincipalView{}, err
	}
	return principal.View(), nil
}

// PublicProfile returns the minimal view of a principal shown to others.
func (s *Service) PublicProfile(ctx context.Context, id ulid.ULID) (PublicProfile, error) {
	principal, err := s.lookup(ctx, id, "public profile")
	if err != nil {
		return PublicProfile{}, err
	}
	return principal.Profile(), nil
}

// UpdateProfile changes the email and/or username of a principal.
func (s *Service) UpdateProfile(ctx context.Context, id ulid.ULID, update ProfileUpdate) (PrincipalView, error) {
	if update.Email == nil && update.Username == nil {
		return PrincipalView{}, oops.Code(CodeValidation).
			With("operation", "update profile").
			Wrap(NewValidationError("body", "at least one of email or username is required"))
	}

	var email, username string
	verr := &ValidationError{}
	if update.Email != nil {
		email = NormalizeEmail(*update.Email)
		if err := ValidateEmail(email); err != nil {
			verr.Add("email", err.Error())
		}
	}
	if update.Username != nil {
		username = *update.Username
		if err := ValidateUsername(username); err != nil {
			verr.Add("username", err.Error())
		}
	}
	if !verr.Empty() {
		return PrincipalView{}, oops.Code(CodeValidation).With("operation", "update profile").Wrap(verr)
	}

	principal, err := s.lookup(ctx, id, "update profile")
	if err != nil {
		return PrincipalView{}, err
	}

	taken, err := s.principals.IsTaken(ctx, email, username, id)
	if err != nil {
		return PrincipalView{}, oops.Code("AUTH_UPDATE_FAILED").
			With("operation", "check uniqueness").
			Wrap(err)
	}
	if taken {
		return PrincipalView{}, conflict("update profile")
	}

	if update.Email != nil {
		principal.Email = email
	}
	if update.Username != nil {
		principal.Username = username
	}
	principal.UpdatedAt = s.now().UTC()

	if err := s.principals.Update(ctx, principal); err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return PrincipalView{}, conflict("update profile")
		case errors.Is(err, ErrNotFound):
			return PrincipalView{}, notFound(id)
		}
		return PrincipalView{}, oops.Code("AUTH_UPDATE_FAILED").
			With("operation", "update principal").
			Wrap(err)
	}
	return principal.View(), nil
}

func (s *Service) lookup(ctx context.Context, id ulid.ULID, operation string) (*Principal, error) {
	principal, err := s.principals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, oops.Code("AUTH_LOOKUP_FAILED").
			With("operation", operation).
			With("principal_id", id.String()).
			Wrap(err)
	}
	return principal, nil
}

// issue signs an access token and stores a fresh refresh token for principal.
func (s *Service) issue(ctx context.Context, principal *Principal) (*TokenPair, error) {
	access, accessExp, err := s.codec.Sign(Claims{
		PrincipalID: principal.ID.String(),
		Email:       principal.Email,
		Username:    principal.Username,
	})
	if err != nil {
		return nil, oops.Code("AUTH_ISSUE_FAILED").
			With("operation", "sign access token").
			Wrap(err)
	}

	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Put(ctx, refresh, principal.ID.String(), s.refreshTTL); err != nil {
		return nil, oops.Code("AUTH_ISSUE_FAILED").
			With("operation", "store refresh token").
			With("principal_id", principal.ID.String()).
			Wrap(err)
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: s.now().Add(s.refreshTTL),
	}, nil
}

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Wrapf(ErrUnauthorized, "invalid credentials")
}

func invalidRefreshToken(reason string) error {
	return oops.Code(CodeInvalidToken).
		With("reason", reason).
		Wrapf(ErrUnauthorized, "invalid or expired refresh token")
}

func conflict(operation string) error {
	return oops.Code(CodeConflict).
		With("operation", operation).
		Wrapf(ErrConflict, "email or username already taken")
}

func notFound(id ulid.ULID) error {
	return oops.Code(CodeNotFound).
		With("principal_id", id.String()).
		Wrapf(ErrNotFound, "principal not found")
}
