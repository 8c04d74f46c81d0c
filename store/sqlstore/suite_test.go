package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/auth"
)

const (
	testClient   = "web"
	testRedirect = "https://app.example.com/cb"
)

type storeFactory func(t *testing.T, opts ...Option) *Store

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// runStoreSuite exercises Store against a real database.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("code single use", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := createCode(t, s)

		got, err := s.ConsumeIfValid(ctx, code.Code, testClient, testRedirect)
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.Equal(t, code.FamilyID, got.FamilyID)
		assert.Equal(t, []string{"read", "write"}, got.Scope)
		assert.Equal(t, "xyz", got.State)
		assert.Equal(t, "alice", got.Subject)

		again, err := s.ConsumeIfValid(ctx, code.Code, testClient, testRedirect)
		assert.ErrorIs(t, err, auth.ErrAlreadyConsumed)
		require.NotNil(t, again)
		assert.Equal(t, code.FamilyID, again.FamilyID)
	})

	t.Run("code concurrent consume", func(t *testing.T) {
		s := newStore(t)
		code := createCode(t, s)

		var successes, consumed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.ConsumeIfValid(context.Background(), code.Code, testClient, testRedirect)
				if err == nil {
					successes.Add(1)
				} else if assert.ErrorIs(t, err, auth.ErrAlreadyConsumed) {
					consumed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(9), consumed.Load())
	})

	t.Run("code expired", func(t *testing.T) {
		clk := newClock()
		s := newStore(t, WithClock(clk.Now))
		code := createCode(t, s)

		clk.Advance(11 * time.Minute)
		_, err := s.ConsumeIfValid(context.Background(), code.Code, testClient, testRedirect)
		assert.ErrorIs(t, err, auth.ErrExpired)
	})

	t.Run("code mismatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := createCode(t, s)

		_, err := s.ConsumeIfValid(ctx, code.Code, "other", testRedirect)
		assert.ErrorIs(t, err, auth.ErrMismatch)
		_, err = s.ConsumeIfValid(ctx, code.Code, testClient, testRedirect+"/x")
		assert.ErrorIs(t, err, auth.ErrMismatch)
		_, err = s.ConsumeIfValid(ctx, "unknown", testClient, testRedirect)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		_, err = s.ConsumeIfValid(ctx, code.Code, testClient, testRedirect)
		assert.NoError(t, err)
	})

	t.Run("refresh rotation and reuse", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pair := issuePair(t, s)

		info, err := s.ValidateAccess(ctx, pair.Access.Token)
		require.NoError(t, err)
		assert.Equal(t, "alice", info.Subject)
		assert.Equal(t, []string{"read", "write"}, info.Scope)

		next, presented, err := s.RedeemRefresh(ctx, auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient})
		require.NoError(t, err)
		assert.Nil(t, presented)
		assert.Equal(t, pair.Refresh.ID, next.Refresh.RotatedFrom)
		assert.Equal(t, pair.Refresh.FamilyID, next.Refresh.FamilyID)

		_, presented, err = s.RedeemRefresh(ctx, auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient})
		assert.ErrorIs(t, err, auth.ErrRevoked)
		require.NotNil(t, presented)
		assert.Equal(t, pair.Refresh.FamilyID, presented.FamilyID)

		_, _, err = s.RedeemRefresh(ctx, auth.RefreshRequest{Token: next.Refresh.Token, ClientID: "other"})
		assert.ErrorIs(t, err, auth.ErrMismatch)
	})

	t.Run("refresh concurrent redeem", func(t *testing.T) {
		s := newStore(t)
		pair := issuePair(t, s)

		var successes atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, _, err := s.RedeemRefresh(context.Background(), auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient})
				if err == nil {
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
	})

	t.Run("refresh scope", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pair := issuePair(t, s)

		_, _, err := s.RedeemRefresh(ctx, auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient, Scope: []string{"admin"}})
		assert.ErrorIs(t, err, auth.ErrScopeWidened)

		next, _, err := s.RedeemRefresh(ctx, auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient, Scope: []string{"read"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"read"}, next.Refresh.Scope)
	})

	t.Run("refresh and access expiry", func(t *testing.T) {
		clk := newClock()
		s := newStore(t, WithClock(clk.Now), WithAccessTTL(time.Hour), WithRefreshTTL(2*time.Hour))
		ctx := context.Background()
		pair := issuePair(t, s)

		clk.Advance(time.Hour)
		_, err := s.ValidateAccess(ctx, pair.Access.Token)
		assert.ErrorIs(t, err, auth.ErrExpired)

		clk.Advance(time.Hour)
		_, _, err = s.RedeemRefresh(ctx, auth.RefreshRequest{Token: pair.Refresh.Token, ClientID: testClient})
		assert.ErrorIs(t, err, auth.ErrExpired)
	})

	t.Run("revoke family", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := issuePair(t, s)
		second, _, err := s.RedeemRefresh(ctx, auth.RefreshRequest{Token: first.Refresh.Token, ClientID: testClient})
		require.NoError(t, err)

		n, err := s.RevokeFamily(ctx, first.Refresh.FamilyID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = s.ValidateAccess(ctx, second.Access.Token)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		_, _, err = s.RedeemRefresh(ctx, auth.RefreshRequest{Token: second.Refresh.Token, ClientID: testClient})
		assert.ErrorIs(t, err, auth.ErrRevoked)
	})

	t.Run("revoke", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pair := issuePair(t, s)

		assert.ErrorIs(t, s.Revoke(ctx, "unknown", testClient), auth.ErrNotFound)
		assert.ErrorIs(t, s.Revoke(ctx, pair.Refresh.Token, "other"), auth.ErrMismatch)
		require.NoError(t, s.Revoke(ctx, pair.Access.Token, testClient))

		_, err := s.ValidateAccess(ctx, pair.Access.Token)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("sweep", func(t *testing.T) {
		clk := newClock()
		s := newStore(t, WithClock(clk.Now), WithAccessTTL(time.Hour), WithRefreshTTL(2*time.Hour))
		ctx := context.Background()
		createCode(t, s)
		issuePair(t, s)

		n, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clk.Advance(2 * time.Hour)
		n, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func createCode(t *testing.T, s *Store) *auth.AuthorizationCode {
	t.Helper()

	code, err := s.Create(context.Background(), auth.CodeRequest{
		ClientID:    testClient,
		RedirectURI: testRedirect,
		Scope:       []string{"read", "write"},
		State:       "xyz",
		Subject:     "alice",
	})
	require.NoError(t, err)
	return code
}

func issuePair(t *testing.T, s *Store) *auth.TokenPair {
	t.Helper()

	pair, err := s.Issue(context.Background(), auth.Grant{
		ClientID: testClient,
		Subject:  "alice",
		Scope:    []string{"read", "write"},
	})
	require.NoError(t, err)
	return pair
}
