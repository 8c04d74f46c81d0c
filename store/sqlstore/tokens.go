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

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Issue inserts an access/refresh pair for g in one transaction.
func (s *Store) Issue(ctx context.Context, g auth.Grant) (*auth.TokenPair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin issue tokens: %w", err)
	}
	defer rollback(tx)

	pair, err := s.insertPair(ctx, tx, g, "")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit issue tokens for client %s: %w", g.ClientID, err)
	}
	return pair, nil
}

// RedeemRefresh revokes the presented refresh token with one conditional
// UPDATE and inserts its successor in the same transaction.
func (s *Store) RedeemRefresh(ctx context.Context, req auth.RefreshRequest) (*auth.TokenPair, *auth.RefreshToken, error) {
	hash := hashSecret(req.Token)
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin redeem refresh token: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
        UPDATE refresh_token
        SET revoked_at = ?
        WHERE token_hash = ?
          AND revoked_at IS NULL
          AND expires_at > ?
          AND client_id = ?
    `, now, hash, now, req.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("revoke refresh token: %w", err)
	}

	if affected != 1 {
		if err := tx.Rollback(); err != nil {
			return nil, nil, fmt.Errorf("rollback redeem refresh token: %w", err)
		}
		rt, err := s.classifyRefresh(ctx, hash, now)
		return nil, rt, err
	}

	rt, err := scanRefresh(tx.QueryRowContext(ctx, selectRefreshSQL, hash))
	if err != nil {
		return nil, nil, fmt.Errorf("read rotated refresh token: %w", err)
	}
	if rt.ClientID != req.ClientID {
		return nil, nil, auth.ErrMismatch
	}

	scope := rt.Scope
	if req.Scope != nil {
		if len(auth.ScopeExcess(req.Scope, rt.Scope)) > 0 {
			return nil, nil, auth.ErrScopeWidened
		}
		scope = req.Scope
	}

	pair, err := s.insertPair(ctx, tx, auth.Grant{
		ClientID: rt.ClientID,
		Subject:  rt.Subject,
		Scope:    scope,
		FamilyID: rt.FamilyID,
	}, rt.ID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit redeem refresh token: %w", err)
	}
	return pair, nil, nil
}

func (s *Store) classifyRefresh(ctx context.Context, hash string, now int64) (*auth.RefreshToken, error) {
	rt, err := scanRefresh(s.db.QueryRowContext(ctx, selectRefreshSQL, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("classify refresh token: %w", err)
	}

	switch {
	case rt.Revoked:
		return rt, auth.ErrRevoked
	case toMillis(rt.ExpiresAt) <= now:
		return nil, auth.ErrExpired
	default:
		return nil, auth.ErrMismatch
	}
}

func (s *Store) ValidateAccess(ctx context.Context, token string) (*auth.AccessInfo, error) {
	var (
		info                auth.AccessInfo
		scope               sql.NullString
		issuedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT client_id, subject, scope, issued_at, expires_at
        FROM access_token
        WHERE token_hash = ?
    `, hashSecret(token)).Scan(&info.ClientID, &info.Subject, &scope, &issuedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}

	if expiresAt <= toMillis(s.now()) {
		return nil, auth.ErrExpired
	}

	info.Scope = auth.ParseScope(scope.String)
	info.IssuedAt = fromMillis(issuedAt)
	info.ExpiresAt = fromMillis(expiresAt)
	return &info, nil
}

func (s *Store) Revoke(ctx context.Context, token, clientID string) error {
	hash := hashSecret(token)

	var owner, familyID string
	err := s.db.QueryRowContext(ctx, `
        SELECT client_id, family_id FROM access_token WHERE token_hash = ?
    `, hash).Scan(&owner, &familyID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, `
            SELECT client_id, family_id FROM refresh_token WHERE token_hash = ?
        `, hash).Scan(&owner, &familyID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return fmt.Errorf("query token for revocation: %w", err)
	}

	if owner != clientID {
		return auth.ErrMismatch
	}

	_, err = s.RevokeFamily(ctx, familyID)
	return err
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revoke family %s: %w", familyID, err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM access_token WHERE family_id = ?`, familyID)
	if err != nil {
		return 0, fmt.Errorf("delete access tokens of family %s: %w", familyID, err)
	}
	deleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
        UPDATE refresh_token
        SET revoked_at = ?
        WHERE family_id = ?
          AND revoked_at IS NULL
    `, toMillis(s.now()), familyID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens of family %s: %w", familyID, err)
	}
	revoked, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revoke family %s: %w", familyID, err)
	}
	return int(deleted + revoked), nil
}

func (s *Store) insertPair(ctx context.Context, db execer, g auth.Grant, rotatedFrom string) (*auth.TokenPair, error) {
	accessValue, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}
	refreshValue, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	familyID := g.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	scope := auth.FormatScope(g.Scope)

	at := &auth.AccessToken{
		ID:        uuid.NewString(),
		Token:     accessValue,
		FamilyID:  familyID,
		ClientID:  g.ClientID,
		Subject:   g.Subject,
		Scope:     append([]string(nil), g.Scope...),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTTL),
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO access_token (
            id,
            token_hash,
            family_id,
            client_id,
            subject,
            scope,
            issued_at,
            expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		at.ID,
		hashSecret(accessValue),
		familyID,
		g.ClientID,
		g.Subject,
		stringutils.NullIfBlank(scope),
		toMillis(at.IssuedAt),
		toMillis(at.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert access token for client %s: %w", g.ClientID, err)
	}

	rt := &auth.RefreshToken{
		ID:          uuid.NewString(),
		Token:       refreshValue,
		FamilyID:    familyID,
		ClientID:    g.ClientID,
		Subject:     g.Subject,
		Scope:       append([]string(nil), g.Scope...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
		RotatedFrom: rotatedFrom,
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO refresh_token (
            id,
            token_hash,
            family_id,
            client_id,
            subject,
            scope,
            issued_at,
            expires_at,
            rotated_from
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		rt.ID,
		hashSecret(refreshValue),
		familyID,
		g.ClientID,
		g.Subject,
		stringutils.NullIfBlank(scope),
		toMillis(rt.IssuedAt),
		toMillis(rt.ExpiresAt),
		stringutils.NullIfBlank(rotatedFrom),
	)
	if err != nil {
		return nil, fmt.Errorf("insert refresh token for client %s: %w", g.ClientID, err)
	}

	return &auth.TokenPair{Access: at, Refresh: rt}, nil
}

const selectRefreshSQL = `
        SELECT
            id,
            family_id,
            client_id,
            subject,
            scope,
            issued_at,
            expires_at,
            revoked_at,
            rotated_from
        FROM refresh_token
        WHERE token_hash = ?
    `

func scanRefresh(row *sql.Row) (*auth.RefreshToken, error) {
	var (
		rt                  auth.RefreshToken
		scope, rotatedFrom  sql.NullString
		issuedAt, expiresAt int64
		revokedAt           sql.NullInt64
	)
	if err := row.Scan(
		&rt.ID,
		&rt.FamilyID,
		&rt.ClientID,
		&rt.Subject,
		&scope,
		&issuedAt,
		&expiresAt,
		&revokedAt,
		&rotatedFrom,
	); err != nil {
		return nil, err
	}

	rt.Scope = auth.ParseScope(scope.String)
	rt.IssuedAt = fromMillis(issuedAt)
	rt.ExpiresAt = fromMillis(expiresAt)
	rt.Revoked = revokedAt.Valid
	rt.RotatedFrom = rotatedFrom.String
	return &rt, nil
}
