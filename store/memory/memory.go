// Package memory provides an in-memory CodeStore and TokenStore. It is
// suitable for development, tests and single-instance deployments.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milanbella/sa-oauth/auth"
)

type family struct {
	access  map[string]struct{}
	refresh map[string]struct{}
}

// Store keeps codes and tokens in maps guarded by a single mutex, which makes
// every check-and-transition atomic.
type Store struct {
	mu sync.Mutex

	codes    map[string]*auth.AuthorizationCode
	access   map[string]*auth.AccessToken
	refresh  map[string]*auth.RefreshToken
	families map[string]*family

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

// WithClock replaces time.Now, mainly for expiry tests.
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

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		codes:      make(map[string]*auth.AuthorizationCode),
		access:     make(map[string]*auth.AccessToken),
		refresh:    make(map[string]*auth.RefreshToken),
		families:   make(map[string]*family),
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

func (s *Store) Create(_ context.Context, req auth.CodeRequest) (*auth.AuthorizationCode, error) {
	value, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	code := &auth.AuthorizationCode{
		Code:        value,
		FamilyID:    uuid.NewString(),
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       slices.Clone(req.Scope),
		State:       req.State,
		Subject:     req.Subject,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.codeTTL),
	}

	s.mu.Lock()
	s.codes[value] = code
	s.mu.Unlock()

	return cloneCode(code), nil
}

func (s *Store) ConsumeIfValid(_ context.Context, value, clientID, redirectURI string) (*auth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[value]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if code.Consumed {
		return cloneCode(code), auth.ErrAlreadyConsumed
	}
	if !s.now().Before(code.ExpiresAt) {
		return nil, auth.ErrExpired
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		return nil, auth.ErrMismatch
	}

	code.Consumed = true
	return cloneCode(code), nil
}

func (s *Store) Issue(_ context.Context, g auth.Grant) (*auth.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.issueLocked(g, "")
}

func (s *Store) RedeemRefresh(_ context.Context, req auth.RefreshRequest) (*auth.TokenPair, *auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refresh[req.Token]
	if !ok {
		return nil, nil, auth.ErrNotFound
	}
	if rt.Revoked {
		return nil, cloneRefresh(rt), auth.ErrRevoked
	}
	if !s.now().Before(rt.ExpiresAt) {
		return nil, nil, auth.ErrExpired
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

	pair, err := s.issueLocked(auth.Grant{
		ClientID: rt.ClientID,
		Subject:  rt.Subject,
		Scope:    scope,
		FamilyID: rt.FamilyID,
	}, rt.ID)
	if err != nil {
		return nil, nil, err
	}
	rt.Revoked = true

	return pair, nil, nil
}

func (s *Store) ValidateAccess(_ context.Context, token string) (*auth.AccessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.access[token]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if !s.now().Before(at.ExpiresAt) {
		return nil, auth.ErrExpired
	}

	return &auth.AccessInfo{
		Subject:   at.Subject,
		ClientID:  at.ClientID,
		Scope:     slices.Clone(at.Scope),
		IssuedAt:  at.IssuedAt,
		ExpiresAt: at.ExpiresAt,
	}, nil
}

func (s *Store) Revoke(_ context.Context, token, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner, familyID string
	if at, ok := s.access[token]; ok {
		owner, familyID = at.ClientID, at.FamilyID
	} else if rt, ok := s.refresh[token]; ok {
		owner, familyID = rt.ClientID, rt.FamilyID
	} else {
		return auth.ErrNotFound
	}
	if owner != clientID {
		return auth.ErrMismatch
	}

	s.revokeFamilyLocked(familyID)
	return nil
}

func (s *Store) RevokeFamily(_ context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeFamilyLocked(familyID), nil
}

// Sweep drops expired codes and tokens. Revoked refresh tokens are kept until
// they expire so reuse can still be detected.
func (s *Store) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for k, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, k)
			removed++
		}
	}
	for k, at := range s.access {
		if !now.Before(at.ExpiresAt) {
			s.dropAccessLocked(k, at.FamilyID)
			removed++
		}
	}
	for k, rt := range s.refresh {
		if !now.Before(rt.ExpiresAt) {
			delete(s.refresh, k)
			if f := s.families[rt.FamilyID]; f != nil {
				delete(f.refresh, k)
				s.dropEmptyFamilyLocked(rt.FamilyID)
			}
			removed++
		}
	}

	return removed, nil
}

// Len reports how many codes, access tokens and refresh tokens are held.
func (s *Store) Len() (codes, access, refresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.codes), len(s.access), len(s.refresh)
}

func (s *Store) issueLocked(g auth.Grant, rotatedFrom string) (*auth.TokenPair, error) {
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

	now := s.now().UTC()
	at := &auth.AccessToken{
		ID:        uuid.NewString(),
		Token:     accessValue,
		FamilyID:  familyID,
		ClientID:  g.ClientID,
		Subject:   g.Subject,
		Scope:     slices.Clone(g.Scope),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTTL),
	}
	rt := &auth.RefreshToken{
		ID:          uuid.NewString(),
		Token:       refreshValue,
		FamilyID:    familyID,
		ClientID:    g.ClientID,
		Subject:     g.Subject,
		Scope:       slices.Clone(g.Scope),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
		RotatedFrom: rotatedFrom,
	}

	s.access[accessValue] = at
	s.refresh[refreshValue] = rt

	f := s.families[familyID]
	if f == nil {
		f = &family{access: map[string]struct{}{}, refresh: map[string]struct{}{}}
		s.families[familyID] = f
	}
	f.access[accessValue] = struct{}{}
	f.refresh[refreshValue] = struct{}{}

	return &auth.TokenPair{Access: cloneAccess(at), Refresh: cloneRefresh(rt)}, nil
}

func (s *Store) revokeFamilyLocked(familyID string) int {
	f := s.families[familyID]
	if f == nil {
		return 0
	}

	n := 0
	for k := range f.access {
		delete(s.access, k)
		n++
	}
	f.access = map[string]struct{}{}

	for k := range f.refresh {
		if rt, ok := s.refresh[k]; ok && !rt.Revoked {
			rt.Revoked = true
			n++
		}
	}
	s.dropEmptyFamilyLocked(familyID)
	return n
}

func (s *Store) dropAccessLocked(token, familyID string) {
	delete(s.access, token)
	if f := s.families[familyID]; f != nil {
		delete(f.access, token)
		s.dropEmptyFamilyLocked(familyID)
	}
}

func (s *Store) dropEmptyFamilyLocked(familyID string) {
	if f := s.families[familyID]; f != nil && len(f.access) == 0 && len(f.refresh) == 0 {
		delete(s.families, familyID)
	}
}

func cloneCode(c *auth.AuthorizationCode) *auth.AuthorizationCode {
	clone := *c
	clone.Scope = slices.Clone(c.Scope)
	return &clone
}

func cloneAccess(t *auth.AccessToken) *auth.AccessToken {
	clone := *t
	clone.Scope = slices.Clone(t.Scope)
	return &clone
}

func cloneRefresh(t *auth.RefreshToken) *auth.RefreshToken {
	clone := *t
	clone.Scope = slices.Clone(t.Scope)
	return &clone
}
