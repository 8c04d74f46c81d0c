package auth

import (
	"slices"
	"time"
)

const (
	// AuthorizationCodeTTL is the fixed lifetime of an authorization code.
	AuthorizationCodeTTL = 10 * time.Minute

	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Client represents an OAuth client application registered with the authorization server.
type Client struct {
	ClientID      string
	Name          string
	SecretHash    string
	RedirectURIs  []string
	AllowedScopes []string
}

// Confidential reports whether the client must authenticate with a secret.
func (c *Client) Confidential() bool {
	return c.SecretHash != ""
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationCode encapsulates an issued authorization code grant.
type AuthorizationCode struct {
	Code        string
	FamilyID    string
	ClientID    string
	RedirectURI string
	Scope       []string
	State       string
	Subject     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// CodeRequest carries the approved client/redirect/scope tuple a code is bound to.
type CodeRequest struct {
	ClientID    string
	RedirectURI string
	Scope       []string
	State       string
	Subject     string
}

// AccessToken represents an issued bearer token.
type AccessToken struct {
	ID        string
	Token     string
	FamilyID  string
	ClientID  string
	Subject   string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken represents a rotating refresh credential.
type RefreshToken struct {
	ID          string
	Token       string
	FamilyID    string
	ClientID    string
	Subject     string
	Scope       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RotatedFrom string
	Revoked     bool
}

// TokenPair is what a successful grant returns to the client.
type TokenPair struct {
	Access  *AccessToken
	Refresh *RefreshToken
}

// Grant describes the tokens to issue. FamilyID links every token descending
// from the same authorization code.
type Grant struct {
	ClientID string
	Subject  string
	Scope    []string
	FamilyID string
}

// RefreshRequest asks a TokenStore to rotate a refresh token. A nil Scope keeps
// the original scope; a non-nil Scope must be a subset of it.
type RefreshRequest struct {
	Token    string
	ClientID string
	Scope    []string
}

// AccessInfo is what resource servers learn about a valid access token.
type AccessInfo struct {
	Subject   string
	ClientID  string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
