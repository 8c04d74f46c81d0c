// Package registry holds the set of OAuth clients allowed to use the server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/milanbella/sa-oauth/auth"
)

// Static is an immutable in-memory client registry.
type Static struct {
	clients map[string]*auth.Client
}

var _ auth.ClientRegistry = (*Static)(nil)

// New validates clients and builds a registry from them.
func New(clients []auth.Client) (*Static, error) {
	s := &Static{clients: make(map[string]*auth.Client, len(clients))}
	for i := range clients {
		c := clients[i]
		if err := Validate(&c); err != nil {
			return nil, err
		}
		if _, dup := s.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("client %s registered twice", c.ClientID)
		}
		c.RedirectURIs = append([]string(nil), c.RedirectURIs...)
		c.AllowedScopes = append([]string(nil), c.AllowedScopes...)
		s.clients[c.ClientID] = &c
	}
	return s, nil
}

// Lookup returns a copy of the registered client.
func (s *Static) Lookup(_ context.Context, clientID string) (*auth.Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, auth.ErrClientNotFound
	}
	clone := cloneClient(c)
	return &clone, nil
}

// Clients returns copies of every registered client, in no particular order.
func (s *Static) Clients() []auth.Client {
	out := make([]auth.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	return out
}

// Len returns the number of registered clients.
func (s *Static) Len() int {
	return len(s.clients)
}

func cloneClient(c *auth.Client) auth.Client {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	return clone
}

// Validate checks a client registration.
func Validate(c *auth.Client) error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client_id must not be empty")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %s: at least one redirect uri is required", c.ClientID)
	}
	for _, raw := range c.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, err)
		}
	}
	for _, s := range c.AllowedScopes {
		if !validScopeToken(s) {
			return fmt.Errorf("client %s: invalid scope token %q", c.ClientID, s)
		}
	}
	if c.SecretHash != "" {
		if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
			return fmt.Errorf("client %s: secret_hash is not a bcrypt hash: %w", c.ClientID, err)
		}
	}
	return nil
}

// validateRedirectURI enforces RFC 6749 §3.1.2: absolute, no fragment.
func validateRedirectURI(raw string) error {
	if strings.IndexFunc(raw, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("redirect uri %q must not contain whitespace or control characters", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse redirect uri %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect uri %q must not contain a fragment", raw)
	}
	return nil
}

// validScopeToken reports whether s is a scope-token per RFC 6749 §3.3:
// one or more of %x21 / %x23-5B / %x5D-7E.
func validScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}
