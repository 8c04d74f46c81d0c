package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/logger"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

type tokenResult struct {
	Pair     *TokenPair
	ClientID string
}

func (h *TokenHandler) processTokenRequest(r *http.Request) (*tokenResult, error) {
	if r.Method != http.MethodPost {
		return nil, invalidRequest("token endpoint requires POST")
	}

	if err := r.ParseForm(); err != nil {
		return nil, invalidRequest("unable to parse request body")
	}

	grantType := strings.TrimSpace(r.PostForm.Get("grant_type"))
	switch grantType {
	case "":
		return nil, invalidRequest("grant_type is required")
	case GrantTypeAuthorizationCode:
		return h.exchangeAuthorizationCode(r)
	case GrantTypeRefreshToken:
		return h.refresh(r)
	default:
		return nil, newError(ErrorUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", grantType), nil)
	}
}

func (h *TokenHandler) exchangeAuthorizationCode(r *http.Request) (*tokenResult, error) {
	ctx := r.Context()

	creds, err := readClientCredentials(r)
	if err != nil {
		return nil, err
	}

	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	if err := requireParams(map[string]string{
		"code":         code,
		"redirect_uri": redirectURI,
		"client_id":    creds.ClientID,
	}, "code", "redirect_uri", "client_id"); err != nil {
		return nil, err
	}

	client, err := authenticateClient(ctx, h.cfg.Registry, creds)
	if err != nil {
		return nil, err
	}

	authCode, err := h.cfg.Codes.ConsumeIfValid(ctx, code, client.ClientID, redirectURI)
	if err != nil {
		if errors.Is(err, ErrAlreadyConsumed) && authCode != nil {
			h.handleCodeReuse(ctx, authCode)
		}
		if isGrantFailure(err) {
			return nil, invalidGrant(err)
		}
		return nil, serverError(fmt.Errorf("consume authorization code: %w", err))
	}

	pair, err := h.cfg.Tokens.Issue(ctx, Grant{
		ClientID: client.ClientID,
		Subject:  authCode.Subject,
		Scope:    authCode.Scope,
		FamilyID: authCode.FamilyID,
	})
	if err != nil {
		return nil, serverError(fmt.Errorf("issue tokens for client %s: %w", client.ClientID, err))
	}

	h.cfg.Metrics.CodeExchanged(ctx, client.ClientID)
	logger.FromContext(ctx).Info("authorization code exchanged",
		zap.String("client_id", client.ClientID),
		zap.String("subject", authCode.Subject),
		zap.String("family_id", authCode.FamilyID),
	)

	return &tokenResult{Pair: pair, ClientID: client.ClientID}, nil
}

func (h *TokenHandler) refresh(r *http.Request) (*tokenResult, error) {
	ctx := r.Context()

	creds, err := readClientCredentials(r)
	if err != nil {
		return nil, err
	}

	refreshToken := r.PostForm.Get("refresh_token")
	if err := requireParams(map[string]string{
		"refresh_token": refreshToken,
		"client_id":     creds.ClientID,
	}, "refresh_token", "client_id"); err != nil {
		return nil, err
	}

	client, err := authenticateClient(ctx, h.cfg.Registry, creds)
	if err != nil {
		return nil, err
	}

	pair, presented, err := h.cfg.Tokens.RedeemRefresh(ctx, RefreshRequest{
		Token:    refreshToken,
		ClientID: client.ClientID,
		Scope:    ParseScope(r.PostForm.Get("scope")),
	})
	if err != nil {
		if errors.Is(err, ErrRevoked) && presented != nil {
			h.handleRefreshReuse(ctx, presented)
		}
		if errors.Is(err, ErrScopeWidened) {
			return nil, newError(ErrorInvalidScope, "requested scope exceeds the scope originally granted", err)
		}
		if isGrantFailure(err) {
			return nil, invalidGrant(err)
		}
		return nil, serverError(fmt.Errorf("redeem refresh token: %w", err))
	}

	// Client binding is enforced inside RedeemRefresh; this guards a store
	// that returns a pair for the wrong client.
	if pair.Refresh.ClientID != client.ClientID {
		return nil, invalidGrant(ErrMismatch)
	}

	h.cfg.Metrics.TokenRefreshed(ctx, client.ClientID)
	logger.FromContext(ctx).Info("refresh token rotated",
		zap.String("client_id", client.ClientID),
		zap.String("family_id", pair.Refresh.FamilyID),
		zap.String("rotated_from", pair.Refresh.RotatedFrom),
	)

	return &tokenResult{Pair: pair, ClientID: client.ClientID}, nil
}

// handleCodeReuse revokes what was issued from a code that is presented a
// second time (RFC 6749 §4.1.2).
func (h *TokenHandler) handleCodeReuse(ctx context.Context, code *AuthorizationCode) {
	log := logger.FromContext(ctx).With(
		zap.String("client_id", code.ClientID),
		zap.String("family_id", code.FamilyID),
	)
	h.cfg.Metrics.CodeReuseDetected(ctx, code.ClientID)
	log.Warn("authorization code reuse detected")

	if !h.cfg.RevokeFamilyOnReuse {
		return
	}
	n, err := h.cfg.Tokens.RevokeFamily(ctx, code.FamilyID)
	if err != nil {
		log.Error("revoke token family after code reuse", zap.Error(err))
		return
	}
	h.cfg.Metrics.TokensRevoked(ctx, "code_reuse", n)
}

// handleRefreshReuse revokes the whole family of a refresh token that is
// used after rotation, a signal that it was stolen.
func (h *TokenHandler) handleRefreshReuse(ctx context.Context, token *RefreshToken) {
	log := logger.FromContext(ctx).With(
		zap.String("client_id", token.ClientID),
		zap.String("family_id", token.FamilyID),
	)
	h.cfg.Metrics.RefreshReuseDetected(ctx, token.ClientID)
	log.Warn("refresh token reuse detected")

	if !h.cfg.RevokeFamilyOnReuse {
		return
	}
	n, err := h.cfg.Tokens.RevokeFamily(ctx, token.FamilyID)
	if err != nil {
		log.Error("revoke token family after refresh reuse", zap.Error(err))
		return
	}
	h.cfg.Metrics.TokensRevoked(ctx, "refresh_reuse", n)
}

func isGrantFailure(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyConsumed) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrRevoked)
}

// requireParams reports the first missing parameter in order.
func requireParams(values map[string]string, order ...string) error {
	for _, name := range order {
		if values[name] == "" {
			return invalidRequest(name + " is required")
		}
	}
	return nil
}
