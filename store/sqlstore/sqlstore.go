// Package sqlstore persists clients, codes and tokens in MySQL or SQLite.
// Codes and tokens are stored as SHA-256 hashes and times as unix
// milliseconds.
package sqlstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/logger"
)

// Store implements auth.CodeStore, auth.TokenStore and auth.Sweeper.
type Store struct {
	db *sql.DB

	now        func() time.Time
	codeTTL    time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
}

var (
	_ auth.CodeStore  = (*Store)(nil)
	_ auth.TokenStore = (*Store)(nil)
	_ auth.Sweeper    = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithCodeTTL(d time.Duration) Option {
	return func(s *Store) { s.codeTTL = d }
}

func WithAccessTTL(d time.Duration) Option {
	return func(s *Store) { s.accessTTL = d }
}

func WithRefreshTTL(d time.Duration) Option {
	return func(s *Store) { s.refreshTTL = d }
}

// New constructs a Store backed by the given sql.DB. The schema must already
// be migrated.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		now:        time.Now,
		codeTTL:    auth.AuthorizationCodeTTL,
		accessTTL:  auth.DefaultAccessTokenTTL,
		refreshTTL: auth.DefaultRefreshTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes expired codes and tokens.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := toMillis(s.now())
	total := 0
	for _, table := range []string{"authorization_code", "access_token", "refresh_token"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func hashSecret(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// rollback is deferred right after BeginTx; it is a no-op once committed.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error(fmt.Errorf("rollback transaction: %w", err))
	}
}
