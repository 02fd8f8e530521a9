// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Client-facing messages. Unauthorized messages are deliberately uniform.
const (
	msgValidation         = "Validation failed"
	msgConflict           = "Email or username already exists"
	msgInvalidCredentials = "Invalid credentials"
	msgInvalidToken       = "Invalid or expired token"
	msgNotAuthenticated   = "Not authenticated"
	msgNoRefreshToken     = "No refresh token provided"
	msgForbidden          = "Not allowed to revoke this session"
	msgUserNotFound       = "User not found"
	msgNotFound           = "Route not found"
	msgMethodNotAllowed   = "Method not allowed"
	msgInternal           = "Internal server error"
	msgLoggedOut          = "Logged out successfully"
)

// Envelope is the JSON shape of every response.
type Envelope struct {
	Status  string            `json:"status"`
	Data    any               `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// apiError is a failure decided by the boundary itself.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Status: StatusSuccess, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Status: StatusSuccess, Message: message})
}

// writeError maps err onto a status code and a safe message. Anything that
// is not a known domain failure is an internal error; its detail is logged
// and only shown outside production.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := a.classify(err)
	if status == http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), a.logger, "request failed", err)
	}
	writeJSON(w, status, body)
}

func (a *API) classify(err error) (int, Envelope) {
	var (
		apiErr *apiError
		verr   *auth.ValidationError
	)
	body := Envelope{Status: StatusError}

	switch {
	case errors.As(err, &apiErr):
		body.Message = apiErr.message
		return apiErr.status, body
	case errors.As(err, &verr):
		body.Message = msgValidation
		body.Errors = verr.Fields
		return http.StatusBadRequest, body
	case errors.Is(err, auth.ErrValidation):
		body.Message = msgValidation
		return http.StatusBadRequest, body
	case errors.Is(err, auth.ErrConflict):
		body.Message = msgConflict
		return http.StatusConflict, body
	case errors.Is(err, auth.ErrUnauthorized):
		body.Message = msgInvalidToken
		if errutil.Code(err) == auth.CodeInvalidCredentials {
			body.Message = msgInvalidCredentials
		}
		return http.StatusUnauthorized, body
	case errors.Is(err, auth.ErrForbidden):
		body.Message = msgForbidden
		return http.StatusForbidden, body
	case errors.Is(err, auth.ErrNotFound):
		body.Message = msgUserNotFound
		return http.StatusNotFound, body
	}

	body.Message = msgInternal
	if !a.cfg.Production {
		body.Message = err.Error()
	}
	return http.StatusInternalServerError, body
}

// outcome labels err for the auth operations metric.
func outcome(err error) string {
	var apiErr *apiError
	switch {
	case err == nil:
		return observability.OutcomeSuccess
	case errors.As(err, &apiErr) && apiErr.status == http.StatusUnauthorized:
		return observability.OutcomeUnauthorized
	case errors.As(err, &apiErr) && apiErr.status < http.StatusInternalServerError:
		return observability.OutcomeInvalid
	case errors.Is(err, auth.ErrValidation):
		return observability.OutcomeInvalid
	case errors.Is(err, auth.ErrConflict):
		return observability.OutcomeConflict
	case errors.Is(err, auth.ErrUnauthorized):
		return observability.OutcomeUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return observability.OutcomeForbidden
	case errors.Is(err, auth.ErrNotFound):
		return observability.OutcomeNotFound
	}
	return observability.OutcomeError
}
