// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package auth provides credential verification and session issuance.
//
// # Domain Types
//
// Principals should be created with NewPrincipal, which validates and
// normalizes the email and username. Direct struct initialization bypasses
// validation. Repository implementations receive pre-validated principals.
//
// # Tokens
//
// A login or refresh issues a TokenPair: a short-lived signed access token
// produced by a TokenCodec, and an opaque single-use refresh token held in
// a TokenStore. Refresh consumes the presented token with GetAndDelete, so
// two concurrent refreshes of one token can never both succeed.
//
// # Services
//
// Service coordinates register, login, refresh, logout, identify and
// profile updates. Create it with NewAuthService or NewAuthServiceWithLogger,
// which validate dependencies.
//
// Authenticate is the request-time guard: it resolves a bearer header into
// an Identity without touching any store.
package auth
