// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// PrincipalRepository is an in-process auth.PrincipalRepository. Email and
// case-folded username uniqueness are enforced under the write lock, the
// same guarantee the unique indexes give the postgres store.
type PrincipalRepository struct {
	mu   sync.RWMutex
	byID map[ulid.ULID]auth.Principal
}

// NewPrincipalRepository creates an empty repository.
func NewPrincipalRepository() *PrincipalRepository {
	return &PrincipalRepository{byID: make(map[ulid.ULID]auth.Principal)}
}

// Create implements auth.PrincipalRepository.
func (r *PrincipalRepository) Create(_ context.Context, p *auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[p.ID]; exists {
		return conflict("create principal", p.ID)
	}
	if r.takenLocked(p.Email, p.Username, ulid.ULID{}) {
		return conflict("create principal", p.ID)
	}
	r.byID[p.ID] = *p
	return nil
}

// GetByID implements auth.PrincipalRepository.
func (r *PrincipalRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("PRINCIPAL_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return &p, nil
}

// GetByEmail implements auth.PrincipalRepository.
func (r *PrincipalRepository) GetByEmail(_ context.Context, email string) (*auth.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byID {
		if p.Email == email {
			return &p, nil
		}
	}
	return nil, oops.Code("PRINCIPAL_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
}

// IsTaken implements auth.PrincipalRepository.
func (r *PrincipalRepository) IsTaken(_ context.Context, email, username string, exclude ulid.ULID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.takenLocked(email, username, exclude), nil
}

// Update implements auth.PrincipalRepository.
func (r *PrincipalRepository) Update(_ context.Context, p *auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[p.ID]
	if !ok {
		return oops.Code("PRINCIPAL_NOT_FOUND").With("id", p.ID.String()).Wrap(auth.ErrNotFound)
	}
	if r.takenLocked(p.Email, p.Username, p.ID) {
		return conflict("update principal", p.ID)
	}
	existing.Email = p.Email
	existing.Username = p.Username
	existing.UpdatedAt = p.UpdatedAt
	r.byID[p.ID] = existing
	return nil
}

// UpdatePassword implements auth.PrincipalRepository.
func (r *PrincipalRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[id]
	if !ok {
		return oops.Code("PRINCIPAL_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	existing.PasswordHash = passwordHash
	r.byID[id] = existing
	return nil
}

// Remove deletes a principal. Principals are never deleted by the service;
// this exists for administrative tooling and tests.
func (r *PrincipalRepository) Remove(id ulid.ULID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *PrincipalRepository) takenLocked(email, username string, exclude ulid.ULID) bool {
	for id, p := range r.byID {
		if id == exclude {
			continue
		}
		if email != "" && p.Email == email {
			return true
		}
		if username != "" && strings.EqualFold(p.Username, username) {
			return true
		}
	}
	return false
}

func conflict(operation string, id ulid.ULID) error {
	return oops.Code("PRINCIPAL_CONFLICT").
		With("operation", operation).
		With("id", id.String()).
		Wrap(auth.ErrConflict)
}

var _ auth.PrincipalRepository = (*PrincipalRepository)(nil)
