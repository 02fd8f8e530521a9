// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package postgres provides the PostgreSQL credential store.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// poolIface is the subset of *pgxpool.Pool used here, so tests can run
// against pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PrincipalRepository implements auth.PrincipalRepository using PostgreSQL.
// Uniqueness is enforced by the principals_email_key and
// principals_username_lower_key indexes.
type PrincipalRepository struct {
	pool poolIface
}

// NewPrincipalRepository creates a new PrincipalRepository.
func NewPrincipalRepository(pool poolIface) *PrincipalRepository {
	return &PrincipalRepository{pool: pool}
}

const selectPrincipal = `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM principals
`

// Create stores a new principal.
func (r *PrincipalRepository) Create(ctx context.Context, p *auth.Principal) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO principals (id, email, username, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		p.ID.String(),
		p.Email,
		p.Username,
		p.PasswordHash,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("PRINCIPAL_CONFLICT").
			With("operation", "insert principal").
			With("username", p.Username).
			Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("PRINCIPAL_CREATE_FAILED").
			With("operation", "insert principal").
			With("username", p.Username).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a principal by id.
func (r *PrincipalRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Principal, error) {
	row := r.pool.QueryRow(ctx, selectPrincipal+`WHERE id = $1`, id.String())

	p, err := scanPrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PRINCIPAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PRINCIPAL_GET_BY_ID_FAILED").
			With("operation", "get principal by id").
			With("id", id.String()).
			Wrap(err)
	}
	return p, nil
}

// GetByEmail retrieves a principal by normalized email.
func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	row := r.pool.QueryRow(ctx, selectPrincipal+`WHERE email = $1`, email)

	p, err := scanPrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PRINCIPAL_NOT_FOUND").
			With("email", email).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PRINCIPAL_GET_BY_EMAIL_FAILED").
			With("operation", "get principal by email").
			With("email", email).
			Wrap(err)
	}
	return p, nil
}

// IsTaken reports in one query whether email or username belongs to a
// principal other than exclude.
func (r *PrincipalRepository) IsTaken(ctx context.Context, email, username string, exclude ulid.ULID) (bool, error) {
	if email == "" && username == "" {
		return false, nil
	}

	var excludeID *string
	if exclude != (ulid.ULID{}) {
		s := exclude.String()
		excludeID = &s
	}

	var taken bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM principals
			WHERE (($1 <> '' AND email = $1) OR ($2 <> '' AND LOWER(username) = LOWER($2)))
			  AND ($3::text IS NULL OR id <> $3::text)
		)
	`, email, username, excludeID).Scan(&taken)
	if err != nil {
		return false, oops.Code("PRINCIPAL_UNIQUENESS_CHECK_FAILED").
			With("operation", "check email or username").
			Wrap(err)
	}
	return taken, nil
}

// Update persists email, username and updated_at.
func (r *PrincipalRepository) Update(ctx context.Context, p *auth.Principal) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE principals SET
			email = $2,
			username = $3,
			updated_at = $4
		WHERE id = $1
	`,
		p.ID.String(),
		p.Email,
		p.Username,
		p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("PRINCIPAL_CONFLICT").
			With("operation", "update principal").
			With("id", p.ID.String()).
			Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("PRINCIPAL_UPDATE_FAILED").
			With("operation", "update principal").
			With("id", p.ID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("PRINCIPAL_NOT_FOUND").
			With("id", p.ID.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdatePassword replaces a principal's password hash.
func (r *PrincipalRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE principals SET password_hash = $2, updated_at = NOW()
		WHERE id = $1
	`, id.String(), passwordHash)
	if err != nil {
		return oops.Code("PRINCIPAL_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("PRINCIPAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanPrincipal(row pgx.Row) (*auth.Principal, error) {
	var (
		p     auth.Principal
		idStr string
	)
	if err := row.Scan(&idStr, &p.Email, &p.Username, &p.PasswordHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers distinguish pgx.ErrNoRows
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("PRINCIPAL_CORRUPT_ID").With("id", idStr).Wrap(err)
	}
	p.ID = id
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var _ auth.PrincipalRepository = (*PrincipalRepository)(nil)
