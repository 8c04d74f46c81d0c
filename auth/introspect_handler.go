package auth

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/instrumentation"
	"github.com/milanbella/sa-oauth/logger"
)

// IntrospectionConfig wires the RFC 7662 introspection endpoint.
type IntrospectionConfig struct {
	Registry ClientRegistry
	Tokens   TokenStore
	Limiter  Limiter
	Metrics  *instrumentation.Metrics
}

type IntrospectionHandler struct {
	cfg IntrospectionConfig
}

func NewIntrospectionHandler(cfg IntrospectionConfig) http.Handler {
	return &IntrospectionHandler{cfg: cfg}
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (h *IntrospectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil || h.cfg.Tokens == nil {
		h.handleError(w, r, serverError(errors.New("introspection handler misconfigured: nil dependency")))
		return
	}

	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(remoteIP(r)) {
		h.cfg.Metrics.RateLimited(r.Context(), "introspect")
		h.handleError(w, r, ErrRateLimited)
		return
	}

	if r.Method != http.MethodPost {
		h.handleError(w, r, invalidRequest("introspection endpoint requires POST"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.handleError(w, r, invalidRequest("unable to parse request body"))
		return
	}

	creds, err := readClientCredentials(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if creds.ClientID == "" {
		h.handleError(w, r, invalidClient(false, errors.New("introspection requires client authentication")))
		return
	}
	caller, err := authenticateClient(r.Context(), h.cfg.Registry, creds)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	// Only resource servers holding a secret may introspect.
	if !caller.Confidential() {
		h.handleError(w, r, invalidClient(false, fmt.Errorf("public client %s may not introspect", caller.ClientID)))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.handleError(w, r, invalidRequest("token is required"))
		return
	}

	info, err := h.cfg.Tokens.ValidateAccess(r.Context(), token)
	if err != nil {
		if !isGrantFailure(err) {
			h.handleError(w, r, serverError(fmt.Errorf("validate access token: %w", err)))
			return
		}
		logger.FromContext(r.Context()).Debug("inactive token introspected",
			zap.String("caller", caller.ClientID),
			zap.String("token_prefix", TokenPrefix(token)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, introspectionResponse{
		Active:    true,
		Scope:     FormatScope(info.Scope),
		ClientID:  info.ClientID,
		Subject:   info.Subject,
		TokenType: "Bearer",
		IssuedAt:  info.IssuedAt.Unix(),
		ExpiresAt: info.ExpiresAt.Unix(),
	})
}

func (h *IntrospectionHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.cfg.Metrics.Error(r.Context(), "introspect", MapError(err).Code)
	WriteError(w, r, err)
}
