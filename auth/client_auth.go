package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"
)

type clientCredentials struct {
	ClientID string
	Secret   string

	// Presented is true when the request attempted to authenticate, which
	// makes a failure a 401.
	Presented bool
}

// readClientCredentials reads client_id and client_secret from HTTP Basic
// (RFC 6749 §2.3.1) or the form body. r.ParseForm must have been called.
func readClientCredentials(r *http.Request) (clientCredentials, error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	basicID, basicSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		return clientCredentials{
			ClientID:  formID,
			Secret:    formSecret,
			Presented: formSecret != "",
		}, nil
	}

	if formSecret != "" {
		return clientCredentials{}, invalidRequest("multiple client authentication methods")
	}

	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return clientCredentials{}, invalidClient(true, fmt.Errorf("decode basic client id: %w", err))
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return clientCredentials{}, invalidClient(true, fmt.Errorf("decode basic client secret: %w", err))
	}

	if formID != "" && formID != id {
		return clientCredentials{}, invalidRequest("client_id does not match the authenticated client")
	}

	return clientCredentials{ClientID: id, Secret: secret, Presented: true}, nil
}

// authenticateClient resolves the client and checks its secret when it is
// confidential.
func authenticateClient(ctx context.Context, registry ClientRegistry, creds clientCredentials) (*Client, error) {
	client, err := registry.Lookup(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, invalidClient(creds.Presented, err)
		}
		return nil, serverError(fmt.Errorf("lookup client %s: %w", creds.ClientID, err))
	}

	if !client.Confidential() {
		if creds.Secret != "" {
			return nil, invalidClient(true, errors.New("public client presented a secret"))
		}
		return client, nil
	}

	if creds.Secret == "" {
		return nil, invalidClient(creds.Presented, errors.New("confidential client did not authenticate"))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(creds.Secret)); err != nil {
		return nil, invalidClient(true, fmt.Errorf("client %s secret mismatch: %w", client.ClientID, err))
	}

	return client, nil
}
