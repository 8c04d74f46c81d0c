package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/logger"
)

// OAuth error codes, RFC 6749 §4.1.2.1 and §5.2 plus the server's own.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorServerError             = "server_error"
	ErrorAccessDenied            = "access_denied"
	ErrorRateLimitExceeded       = "rate_limit_exceeded"
)

const wwwAuthenticateRealm = "sa-oauth"

// Error is an OAuth protocol error. Its Description is shown to the client;
// Cause is only ever logged.
type Error struct {
	Code        string
	Description string
	Cause       error

	// credentialsPresented turns invalid_client into a 401 challenge.
	credentialsPresented bool
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	switch e.Code {
	case ErrorInvalidClient:
		if e.credentialsPresented {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case ErrorServerError:
		return http.StatusInternalServerError
	case ErrorAccessDenied:
		return http.StatusForbidden
	case ErrorRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func newError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

func invalidRequest(description string) *Error {
	return newError(ErrorInvalidRequest, description, nil)
}

func invalidClient(credentialsPresented bool, cause error) *Error {
	return &Error{
		Code:                 ErrorInvalidClient,
		Description:          "client authentication failed",
		Cause:                cause,
		credentialsPresented: credentialsPresented,
	}
}

// invalidGrant carries one description for every code and
// refresh token failure.
func invalidGrant(cause error) *Error {
	return newError(ErrorInvalidGrant, "the provided grant is invalid, expired, or revoked", cause)
}

func serverError(cause error) *Error {
	return newError(ErrorServerError, "internal server error", cause)
}

// ErrRateLimited is returned when a caller exceeds its request budget.
var ErrRateLimited = newError(ErrorRateLimitExceeded, "too many requests", nil)

// MapError converts any error into an OAuth error. Errors that are not
// already *Error become server_error.
func MapError(err error) *Error {
	var oErr *Error
	if errors.As(err, &oErr) && oErr != nil {
		return oErr
	}
	return serverError(err)
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError writes err as an RFC 6749 §5.2 JSON body. Server errors are
// logged with the request-scoped logger and never expose their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	oErr := MapError(err)
	status := oErr.Status()

	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("error_code", oErr.Code), zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("error_code", oErr.Code), zap.String("path", r.URL.Path), zap.Error(err))
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, error=%q`, wwwAuthenticateRealm, oErr.Code))
	}
	writeJSON(w, status, errorResponse{Error: oErr.Code, ErrorDescription: oErr.Description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(fmt.Errorf("encode response: %w", err))
	}
}
