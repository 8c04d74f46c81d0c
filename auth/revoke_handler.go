package auth

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/instrumentation"
	"github.com/milanbella/sa-oauth/logger"
)

// RevocationConfig wires the RFC 7009 revocation endpoint.
type RevocationConfig struct {
	Registry ClientRegistry
	Tokens   TokenStore
	Limiter  Limiter
	Metrics  *instrumentation.Metrics
}

type RevocationHandler struct {
	cfg RevocationConfig
}

func NewRevocationHandler(cfg RevocationConfig) http.Handler {
	return &RevocationHandler{cfg: cfg}
}

// ServeHTTP answers 200 for unknown tokens and for tokens owned by another
// client, as RFC 7009 §2.2 requires.
func (h *RevocationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil || h.cfg.Tokens == nil {
		h.handleError(w, r, serverError(errors.New("revocation handler misconfigured: nil dependency")))
		return
	}

	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(remoteIP(r)) {
		h.cfg.Metrics.RateLimited(r.Context(), "revoke")
		h.handleError(w, r, ErrRateLimited)
		return
	}

	if r.Method != http.MethodPost {
		h.handleError(w, r, invalidRequest("revocation endpoint requires POST"))
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
		h.handleError(w, r, invalidRequest("client_id is required"))
		return
	}
	client, err := authenticateClient(r.Context(), h.cfg.Registry, creds)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.handleError(w, r, invalidRequest("token is required"))
		return
	}

	log := logger.FromContext(r.Context()).With(
		zap.String("client_id", client.ClientID),
		zap.String("token_prefix", TokenPrefix(token)),
	)

	err = h.cfg.Tokens.Revoke(r.Context(), token, client.ClientID)
	switch {
	case err == nil:
		h.cfg.Metrics.TokensRevoked(r.Context(), "request", 1)
		log.Info("token revoked")
	case errors.Is(err, ErrNotFound):
		log.Debug("revocation of unknown token")
	case errors.Is(err, ErrMismatch):
		log.Warn("revocation of a token issued to another client")
	default:
		h.handleError(w, r, serverError(fmt.Errorf("revoke token: %w", err)))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func (h *RevocationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.cfg.Metrics.Error(r.Context(), "revoke", MapError(err).Code)
	WriteError(w, r, err)
}
