package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/stringutils"
)

// Create persists a fresh code bound to req.
func (s *Store) Create(ctx context.Context, req auth.CodeRequest) (*auth.AuthorizationCode, error) {
	value, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	code := &auth.AuthorizationCode{
		Code:        value,
		FamilyID:    uuid.NewString(),
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       append([]string(nil), req.Scope...),
		State:       req.State,
		Subject:     req.Subject,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.codeTTL),
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO authorization_code (
            code_hash,
            family_id,
            client_id,
            redirect_uri,
            scope,
            state,
            subject,
            issued_at,
            expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		hashSecret(value),
		code.FamilyID,
		code.ClientID,
		code.RedirectURI,
		stringutils.NullIfBlank(auth.FormatScope(code.Scope)),
		stringutils.NullIfBlank(code.State),
		code.Subject,
		toMillis(code.IssuedAt),
		toMillis(code.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert authorization code for client %s: %w", req.ClientID, err)
	}

	return code, nil
}

// ConsumeIfValid marks the code consumed with one conditional UPDATE. When no
// row matches, the code is read back only to classify the failure.
func (s *Store) ConsumeIfValid(ctx context.Context, value, clientID, redirectURI string) (*auth.AuthorizationCode, error) {
	hash := hashSecret(value)
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume authorization code: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
        UPDATE authorization_code
        SET consumed_at = ?
        WHERE code_hash = ?
          AND consumed_at IS NULL
          AND expires_at > ?
          AND client_id = ?
          AND redirect_uri = ?
    `, now, hash, now, clientID, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	if affected != 1 {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("rollback consume authorization code: %w", err)
		}
		return s.classifyCode(ctx, hash, now)
	}

	code, err := scanCode(tx.QueryRowContext(ctx, selectCodeSQL, hash))
	if err != nil {
		return nil, fmt.Errorf("read consumed authorization code: %w", err)
	}
	// Case-insensitive collations (MySQL) let near-matches through the UPDATE.
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		return nil, auth.ErrMismatch
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume authorization code: %w", err)
	}
	code.Code = value
	return code, nil
}

func (s *Store) classifyCode(ctx context.Context, hash string, now int64) (*auth.AuthorizationCode, error) {
	code, err := scanCode(s.db.QueryRowContext(ctx, selectCodeSQL, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("classify authorization code: %w", err)
	}

	switch {
	case code.Consumed:
		return code, auth.ErrAlreadyConsumed
	case toMillis(code.ExpiresAt) <= now:
		return nil, auth.ErrExpired
	default:
		return nil, auth.ErrMismatch
	}
}

const selectCodeSQL = `
        SELECT
            family_id,
            client_id,
            redirect_uri,
            scope,
            state,
            subject,
            issued_at,
            expires_at,
            consumed_at
        FROM authorization_code
        WHERE code_hash = ?
    `

func scanCode(row *sql.Row) (*auth.AuthorizationCode, error) {
	var (
		code                auth.AuthorizationCode
		scope, state        sql.NullString
		issuedAt, expiresAt int64
		consumedAt          sql.NullInt64
	)
	if err := row.Scan(
		&code.FamilyID,
		&code.ClientID,
		&code.RedirectURI,
		&scope,
		&state,
		&code.Subject,
		&issuedAt,
		&expiresAt,
		&consumedAt,
	); err != nil {
		return nil, err
	}

	code.Scope = auth.ParseScope(scope.String)
	code.State = state.String
	code.IssuedAt = fromMillis(issuedAt)
	code.ExpiresAt = fromMillis(expiresAt)
	code.Consumed = consumedAt.Valid
	return &code, nil
}
