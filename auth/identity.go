package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrUnauthenticated indicates the end user has not signed in with the
// identity provider yet.
var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityProvider resolves the authenticated end user behind a request.
type IdentityProvider interface {
	Subject(r *http.Request) (string, error)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(r *http.Request) (string, error)

func (f IdentityFunc) Subject(r *http.Request) (string, error) {
	return f(r)
}

// HeaderIdentity trusts a header set by the identity-aware proxy in front of
// the server. The proxy must strip the header from inbound traffic.
type HeaderIdentity struct {
	Header string
}

func (h HeaderIdentity) Subject(r *http.Request) (string, error) {
	subject := strings.TrimSpace(r.Header.Get(h.Header))
	if subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}

// appendQuery returns a copy of base with params merged into its query.
func appendQuery(base *url.URL, params map[string]string) *url.URL {
	redirect := cloneURL(base)
	query := redirect.Query()
	for k, v := range params {
		if v != "" {
			query.Set(k, v)
		}
	}
	redirect.RawQuery = query.Encode()
	return redirect
}
