package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type authorizationRequest struct {
	Client *Client
	// RawRedirectURI is the exact registered string the code is bound to.
	RawRedirectURI string
	RedirectURI    *url.URL
	Scope          []string
	State          string
}

var singleValueAuthorizationParams = []string{"client_id", "redirect_uri", "response_type", "scope", "state"}

// processAuthorizationRequest validates an authorization request. The first
// failing check decides the error; nothing is persisted here.
func processAuthorizationRequest(r *http.Request, registry ClientRegistry) (*authorizationRequest, error) {
	if r.Method != http.MethodGet {
		return nil, invalidRequest("authorization request must use GET")
	}

	query := r.URL.Query()
	for _, name := range singleValueAuthorizationParams {
		if len(query[name]) > 1 {
			return nil, invalidRequest(name + " must not be repeated")
		}
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		return nil, invalidRequest("client_id is required")
	}

	rawRedirectURI := query.Get("redirect_uri")
	if rawRedirectURI == "" {
		return nil, invalidRequest("redirect_uri is required")
	}

	client, err := registry.Lookup(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, newError(ErrorInvalidClient, "unknown client", err)
		}
		return nil, serverError(fmt.Errorf("lookup client %s: %w", clientID, err))
	}

	if !client.HasRedirectURI(rawRedirectURI) {
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}

	redirectURI, err := url.Parse(rawRedirectURI)
	if err != nil {
		// Registered URIs are validated when loaded; this guards the registry.
		return nil, serverError(fmt.Errorf("registered redirect_uri %q is malformed: %w", rawRedirectURI, err))
	}

	if query.Get("response_type") != "code" {
		return nil, newError(ErrorUnsupportedResponseType, `response_type must be "code"`, nil)
	}

	scope := ParseScope(query.Get("scope"))
	if excess := ScopeExcess(scope, client.AllowedScopes); len(excess) > 0 {
		return nil, newError(ErrorInvalidScope, "scope not allowed for this client: "+strings.Join(excess, " "), nil)
	}

	return &authorizationRequest{
		Client:         client,
		RawRedirectURI: rawRedirectURI,
		RedirectURI:    redirectURI,
		Scope:          scope,
		State:          query.Get("state"),
	}, nil
}
