// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package web is the HTTP boundary of the service: routing, request
// validation, cookie transport of refresh tokens and mapping of domain
// errors onto the JSON envelope.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/observability"
)

// AuthService is what the handlers need from auth.Service.
type AuthService interface {
	Register(ctx context.Context, email, username, password string) (auth.PrincipalView, error)
	Login(ctx context.Context, email, password string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string, caller ulid.ULID) error
	Identify(ctx context.Context, id ulid.ULID) (auth.PrincipalView, error)
	PublicProfile(ctx context.Context, id ulid.ULID) (auth.PublicProfile, error)
	UpdateProfile(ctx context.Context, id ulid.ULID, update auth.ProfileUpdate) (auth.PrincipalView, error)
}

// Config holds boundary settings.
type Config struct {
	// Production enables Secure cookies and hides internal error detail.
	Production bool
	// RefreshTTL is the refresh cookie Max-Age.
	RefreshTTL time.Duration
	// CORSOrigins are glob patterns of allowed browser origins.
	CORSOrigins []string
}

// API owns the HTTP handlers.
type API struct {
	svc     AuthService
	codec   auth.TokenCodec
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAPI creates an API. metrics may be nil.
func NewAPI(svc AuthService, codec auth.TokenCodec, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*API, error) {
	if svc == nil {
		return nil, oops.Code("WEB_INVALID").Errorf("auth service is required")
	}
	if codec == nil {
		return nil, oops.Code("WEB_INVALID").Errorf("token codec is required")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = auth.DefaultRefreshTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, codec: codec, cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Routes builds the router.
func (a *API) Routes() (http.Handler, error) {
	cors, err := CORS(a.cfg.CORSOrigins)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, Envelope{Status: StatusError, Message: msgNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Envelope{Status: StatusError, Message: msgMethodNotAllowed})
	})

	r.Get("/health", a.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", a.register)
			r.Post("/login", a.login)
			r.Post("/refresh", a.refresh)
			r.Group(func(r chi.Router) {
				r.Use(a.requireSession)
				r.Post("/logout", a.logout)
				r.Get("/me", a.me)
			})
		})
		r.Route("/users", func(r chi.Router) {
			r.With(a.requireSession).Patch("/me", a.updateMe)
			r.Get("/{id}", a.publicProfile)
		})
	})

	return r, nil
}
