package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/instrumentation"
	"github.com/milanbella/sa-oauth/logger"
)

// AuthorizationConfig wires the authorization endpoint.
type AuthorizationConfig struct {
	Registry ClientRegistry
	Codes    CodeStore
	Identity IdentityProvider

	// LoginPath receives unauthenticated users, with return_to set to the
	// original authorization request.
	LoginPath string

	// ConsentURL, when set, receives the issued code before the final hop
	// back to the client. Otherwise the user is sent straight to redirect_uri.
	ConsentURL *url.URL

	Metrics *instrumentation.Metrics
}

// AuthorizationHandler handles OAuth 2.0 authorization requests.
type AuthorizationHandler struct {
	cfg AuthorizationConfig
}

// NewAuthorizationHandler constructs an http.Handler that processes authorization requests.
func NewAuthorizationHandler(cfg AuthorizationConfig) http.Handler {
	return &AuthorizationHandler{cfg: cfg}
}

func (h *AuthorizationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil || h.cfg.Codes == nil || h.cfg.Identity == nil {
		h.handleError(w, r, serverError(errors.New("authorization handler misconfigured: nil dependency")))
		return
	}

	authReq, err := processAuthorizationRequest(r, h.cfg.Registry)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	subject, err := h.cfg.Identity.Subject(r)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			h.redirectToLogin(w, r)
			return
		}
		h.handleError(w, r, serverError(fmt.Errorf("resolve subject: %w", err)))
		return
	}

	code, err := h.cfg.Codes.Create(r.Context(), CodeRequest{
		ClientID:    authReq.Client.ClientID,
		RedirectURI: authReq.RawRedirectURI,
		Scope:       authReq.Scope,
		State:       authReq.State,
		Subject:     subject,
	})
	if err != nil {
		h.handleError(w, r, serverError(fmt.Errorf("create authorization code for client %s: %w", authReq.Client.ClientID, err)))
		return
	}

	h.cfg.Metrics.CodeIssued(r.Context(), authReq.Client.ClientID)
	logger.FromContext(r.Context()).Info("authorization code issued",
		zap.String("client_id", code.ClientID),
		zap.String("subject", code.Subject),
		zap.String("code_prefix", TokenPrefix(code.Code)),
	)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.nextHop(authReq, code).String(), http.StatusFound)
}

// nextHop is the consent step when configured, else the client's redirect_uri.
func (h *AuthorizationHandler) nextHop(authReq *authorizationRequest, code *AuthorizationCode) *url.URL {
	if h.cfg.ConsentURL != nil {
		return appendQuery(h.cfg.ConsentURL, map[string]string{
			"code":         code.Code,
			"state":        code.State,
			"redirect_uri": code.RedirectURI,
			"client_id":    code.ClientID,
			"scope":        FormatScope(code.Scope),
		})
	}

	return appendQuery(authReq.RedirectURI, map[string]string{
		"code":  code.Code,
		"state": code.State,
	})
}

func (h *AuthorizationHandler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	login := &url.URL{Path: h.cfg.LoginPath}
	if h.cfg.LoginPath == "" {
		login.Path = "/login"
	}
	login = appendQuery(login, map[string]string{"return_to": r.URL.RequestURI()})
	http.Redirect(w, r, login.String(), http.StatusFound)
}

func (h *AuthorizationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.cfg.Metrics.Error(r.Context(), "authorize", MapError(err).Code)
	WriteError(w, r, err)
}
