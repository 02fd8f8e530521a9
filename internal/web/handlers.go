// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/gatekeep/gatekeep/internal/auth"
)

type userData struct {
	User any `json:"user"`
}

type tokenData struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeRequest(w, r, &req); err != nil {
		a.metrics.RecordAuth("register", outcome(err))
		a.writeError(w, r, err)
		return
	}

	view, err := a.svc.Register(r.Context(), req.Email, req.Username, req.Password)
	a.metrics.RecordAuth("register", outcome(err))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, userData{User: view})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		a.metrics.RecordAuth("login", outcome(err))
		a.writeError(w, r, err)
		return
	}

	pair, err := a.svc.Login(r.Context(), req.Email, req.Password)
	a.metrics.RecordAuth("login", outcome(err))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeTokenPair(w, pair)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshCookie(r)
	if token == "" {
		err := &apiError{status: http.StatusUnauthorized, message: msgNoRefreshToken}
		a.metrics.RecordAuth("refresh", outcome(err))
		a.writeError(w, r, err)
		return
	}

	pair, err := a.svc.Refresh(r.Context(), token)
	a.metrics.RecordAuth("refresh", outcome(err))
	if err != nil {
		// The presented token is spent either way; drop it from the client.
		a.clearRefreshCookie(w)
		a.writeError(w, r, err)
		return
	}
	a.writeTokenPair(w, pair)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	err := a.svc.Logout(r.Context(), refreshCookie(r), identity.PrincipalID)
	a.metrics.RecordAuth("logout", outcome(err))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	writeMessage(w, http.StatusOK, msgLoggedOut)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	view, err := a.svc.Identify(r.Context(), identity.PrincipalID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, userData{User: view})
}

func (a *API) updateMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req updateProfileRequest
	if err := decodeRequest(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	view, err := a.svc.UpdateProfile(r.Context(), identity.PrincipalID, auth.ProfileUpdate{
		Email:    req.Email,
		Username: req.Username,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, userData{User: view})
}

func (a *API) publicProfile(w http.ResponseWriter, r *http.Request) {
	id, err := ulid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, Envelope{Status: StatusError, Message: msgUserNotFound})
		return
	}

	profile, err := a.svc.PublicProfile(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, userData{User: profile})
}

func (a *API) writeTokenPair(w http.ResponseWriter, pair *auth.TokenPair) {
	a.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeSuccess(w, http.StatusOK, tokenData{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(pair.AccessExpiresAt).Seconds()),
	})
}
