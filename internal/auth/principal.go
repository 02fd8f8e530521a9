// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// Password validation constraints. The upper bound caps hashing cost.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Principal is a registered identity.
type Principal struct {
	ID           ulid.ULID
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewPrincipal creates a Principal with a fresh id after validating and
// normalizing its identity fields.
func NewPrincipal(email, username, passwordHash string) (*Principal, error) {
	verr := &ValidationError{}
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		verr.Add("email", err.Error())
	}
	if err := ValidateUsername(username); err != nil {
		verr.Add("username", err.Error())
	}
	if !verr.Empty() {
		return nil, oops.Code(CodeValidation).With("operation", "new principal").Wrap(verr)
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_PRINCIPAL").Errorf("password hash cannot be empty")
	}

	now := time.Now().UTC()
	return &Principal{
		ID:           ulid.Make(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// View returns the client-facing projection without the password hash.
func (p *Principal) View() PrincipalView {
	return PrincipalView{
		ID:        p.ID.String(),
		Email:     p.Email,
		Username:  p.Username,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Profile returns the minimal projection visible to other callers.
func (p *Principal) Profile() PublicProfile {
	return PublicProfile{
		ID:        p.ID.String(),
		Username:  p.Username,
		CreatedAt: p.CreatedAt,
	}
}

// PrincipalView is the principal as seen by its owner.
type PrincipalView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PublicProfile is the principal as seen by anyone else.
type PublicProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfileUpdate holds optional identity changes. Nil fields are left alone.
type ProfileUpdate struct {
	Email    *string
	Username *string
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a bare, syntactically valid address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code("AUTH_INVALID_EMAIL").Errorf("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return oops.Code("AUTH_INVALID_EMAIL").Errorf("invalid email address")
	}
	return nil
}

// ValidateUsername checks length and the letters-and-digits alphabet.
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must contain only letters and numbers")
	}
	return nil
}

// ValidatePassword checks password length bounds.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return oops.Code("AUTH_INVALID_PASSWORD").
			Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return oops.Code("AUTH_INVALID_PASSWORD").
			Errorf("password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// PrincipalRepository is the durable credential store.
type PrincipalRepository interface {
	// Create inserts a principal. A duplicate email or username must yield
	// an error wrapping ErrConflict.
	Create(ctx context.Context, p *Principal) error

	// GetByID returns ErrNotFound when no principal has the id.
	GetByID(ctx context.Context, id ulid.ULID) (*Principal, error)

	// GetByEmail looks up a normalized email. Returns ErrNotFound when absent.
	GetByEmail(ctx context.Context, email string) (*Principal, error)

	// IsTaken reports whether any principal other than exclude holds email or
	// username. Empty arguments are ignored; a zero exclude excludes nobody.
	IsTaken(ctx context.Context, email, username string, exclude ulid.ULID) (bool, error)

	// Update persists identity fields and UpdatedAt. Duplicates wrap
	// ErrConflict, unknown ids wrap ErrNotFound.
	Update(ctx context.Context, p *Principal) error

	// UpdatePassword replaces the stored hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error
}
