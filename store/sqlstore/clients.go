package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/registry"
	"github.com/milanbella/sa-oauth/stringutils"
)

// Clients is a ClientRegistry backed by the oauth_client table.
type Clients struct {
	db  *sql.DB
	now func() time.Time
}

var _ auth.ClientRegistry = (*Clients)(nil)

func NewClients(db *sql.DB) *Clients {
	return &Clients{db: db, now: time.Now}
}

func (c *Clients) Lookup(ctx context.Context, clientID string) (*auth.Client, error) {
	var (
		client                      auth.Client
		secretHash                  sql.NullString
		redirectURIs, allowedScopes string
	)
	err := c.db.QueryRowContext(ctx, `
        SELECT client_id, name, secret_hash, redirect_uris, allowed_scopes
        FROM oauth_client
        WHERE client_id = ?
    `, clientID).Scan(&client.ClientID, &client.Name, &secretHash, &redirectURIs, &allowedScopes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrClientNotFound
		}
		return nil, fmt.Errorf("query client %s: %w", clientID, err)
	}
	// Case-insensitive collations can match a differently cased id.
	if client.ClientID != clientID {
		return nil, auth.ErrClientNotFound
	}

	client.SecretHash = secretHash.String
	if err := json.Unmarshal([]byte(redirectURIs), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decode redirect uris of client %s: %w", clientID, err)
	}
	if err := json.Unmarshal([]byte(allowedScopes), &client.AllowedScopes); err != nil {
		return nil, fmt.Errorf("decode allowed scopes of client %s: %w", clientID, err)
	}
	return &client, nil
}

// Upsert validates and stores a client registration, replacing any existing
// one with the same id.
func (c *Clients) Upsert(ctx context.Context, client auth.Client) error {
	if err := registry.Validate(&client); err != nil {
		return err
	}

	redirectURIs, err := encodeList(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encode redirect uris of client %s: %w", client.ClientID, err)
	}
	allowedScopes, err := encodeList(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encode allowed scopes of client %s: %w", client.ClientID, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert client %s: %w", client.ClientID, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_client WHERE client_id = ?`, client.ClientID); err != nil {
		return fmt.Errorf("delete client %s: %w", client.ClientID, err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO oauth_client (
            client_id,
            name,
            secret_hash,
            redirect_uris,
            allowed_scopes,
            created_at
        ) VALUES (?, ?, ?, ?, ?, ?)
    `,
		client.ClientID,
		client.Name,
		stringutils.NullIfBlank(client.SecretHash),
		redirectURIs,
		allowedScopes,
		toMillis(c.now()),
	)
	if err != nil {
		return fmt.Errorf("insert client %s: %w", client.ClientID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert client %s: %w", client.ClientID, err)
	}
	return nil
}

// encodeList stores a string list as a JSON array, never null.
func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
