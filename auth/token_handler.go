package auth

import (
	"errors"
	"net"
	"net/http"

	"github.com/milanbella/sa-oauth/instrumentation"
)

// Limiter decides whether a caller identified by key may proceed.
type Limiter interface {
	Allow(key string) bool
}

// TokenConfig wires the token endpoint.
type TokenConfig struct {
	Registry ClientRegistry
	Codes    CodeStore
	Tokens   TokenStore

	// Limiter is keyed by the caller's IP. Nil disables rate limiting.
	Limiter Limiter
	Metrics *instrumentation.Metrics

	// RevokeFamilyOnReuse revokes every token descending from a code or
	// refresh token that is presented again after use.
	RevokeFamilyOnReuse bool
}

// TokenHandler handles OAuth token endpoint requests.
type TokenHandler struct {
	cfg TokenConfig
}

// NewTokenHandler constructs an http.Handler for the token endpoint.
func NewTokenHandler(cfg TokenConfig) http.Handler {
	return &TokenHandler{cfg: cfg}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil || h.cfg.Codes == nil || h.cfg.Tokens == nil {
		h.handleError(w, r, serverError(errors.New("token handler misconfigured: nil dependency")))
		return
	}

	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(remoteIP(r)) {
		h.cfg.Metrics.RateLimited(r.Context(), "token")
		h.handleError(w, r, ErrRateLimited)
		return
	}

	result, err := h.processTokenRequest(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if result == nil || result.Pair == nil || result.Pair.Access == nil {
		h.handleError(w, r, serverError(errors.New("token handler received empty token result")))
		return
	}

	writeJSON(w, http.StatusOK, newTokenResponse(result.Pair))
}

func newTokenResponse(pair *TokenPair) tokenResponse {
	access := pair.Access
	resp := tokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		Scope:       FormatScope(access.Scope),
	}
	if pair.Refresh != nil {
		resp.RefreshToken = pair.Refresh.Token
	}
	return resp
}

func (h *TokenHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.cfg.Metrics.Error(r.Context(), "token", MapError(err).Code)
	WriteError(w, r, err)
}

// remoteIP returns the host part of r.RemoteAddr. Forwarded headers are not
// trusted.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
