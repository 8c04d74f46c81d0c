package auth

import (
	"context"
	"errors"
)

var (
	// ErrClientNotFound is returned by a ClientRegistry for unknown client ids.
	ErrClientNotFound = errors.New("client not found")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyConsumed = errors.New("already consumed")
	ErrExpired         = errors.New("expired")
	ErrMismatch        = errors.New("client or redirect uri mismatch")
	ErrRevoked         = errors.New("revoked")
	ErrScopeWidened    = errors.New("requested scope exceeds granted scope")
)

// ClientRegistry looks up registered clients. It is read-only.
type ClientRegistry interface {
	Lookup(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore owns authorization codes.
type CodeStore interface {
	// Create persists a fresh unconsumed code bound to req.
	Create(ctx context.Context, req CodeRequest) (*AuthorizationCode, error)

	// ConsumeIfValid atomically checks that code exists, is unconsumed, is
	// unexpired and is bound to clientID and redirectURI, and marks it consumed.
	// Of any number of concurrent calls for one code at most one succeeds.
	// On ErrAlreadyConsumed the stored code is returned alongside the error so
	// the caller can revoke what was issued from it.
	ConsumeIfValid(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error)
}

// TokenStore owns access and refresh tokens.
type TokenStore interface {
	// Issue creates and persists an access/refresh pair for g.
	Issue(ctx context.Context, g Grant) (*TokenPair, error)

	// RedeemRefresh atomically revokes the presented refresh token and issues a
	// successor pair. Of any number of concurrent calls for one token at most
	// one succeeds. On ErrRevoked the stored token is returned alongside the
	// error so the caller can revoke its family.
	RedeemRefresh(ctx context.Context, req RefreshRequest) (*TokenPair, *RefreshToken, error)

	// ValidateAccess returns what the access token grants, or ErrNotFound /
	// ErrExpired.
	ValidateAccess(ctx context.Context, token string) (*AccessInfo, error)

	// Revoke invalidates the family of token (access or refresh) if it belongs
	// to clientID. It returns ErrNotFound for unknown tokens and ErrMismatch
	// for tokens of another client.
	Revoke(ctx context.Context, token, clientID string) error

	// RevokeFamily revokes every refresh token and drops every access token
	// of the family. It returns the number of tokens affected.
	RevokeFamily(ctx context.Context, familyID string) (int, error)
}

// Sweeper reclaims expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
