package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/registry"
	"github.com/milanbella/sa-oauth/store/memory"
)

const (
	webClient   = "external-web-app"
	webRedirect = "https://external-app.com/auth/callback"

	confClient   = "confidential-app"
	confSecret   = "s3cret"
	confRedirect = "https://conf.example.com/cb"

	rsClient = "resource-server"
	rsSecret = "rs-secret"

	subjectHeader = "X-Authenticated-Subject"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
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

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type harness struct {
	clock    *clock
	store    *memory.Store
	registry *registry.Static

	authorize  http.Handler
	token      http.Handler
	introspect http.Handler
	revoke     http.Handler
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	authorization auth.AuthorizationConfig
	token         auth.TokenConfig
}

func withoutFamilyRevocation() harnessOption {
	return func(c *harnessConfig) { c.token.RevokeFamilyOnReuse = false }
}

func withConsentURL(u string) harnessOption {
	return func(c *harnessConfig) {
		parsed, _ := url.Parse(u)
		c.authorization.ConsentURL = parsed
	}
}

func withTokenLimiter(l auth.Limiter) harnessOption {
	return func(c *harnessConfig) { c.token.Limiter = l }
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clk := &clock{now: time.Now().UTC()}
	store := memory.New(memory.WithClock(clk.Now))

	reg, err := registry.New([]auth.Client{
		{
			ClientID:      webClient,
			Name:          "External Web App",
			RedirectURIs:  []string{webRedirect},
			AllowedScopes: []string{"openid", "email", "profile"},
		},
		{
			ClientID:      confClient,
			SecretHash:    hashSecret(t, confSecret),
			RedirectURIs:  []string{confRedirect},
			AllowedScopes: []string{"read", "write"},
		},
		{
			ClientID:     rsClient,
			SecretHash:   hashSecret(t, rsSecret),
			RedirectURIs: []string{"https://rs.example.com/cb"},
		},
	})
	require.NoError(t, err)

	cfg := harnessConfig{
		authorization: auth.AuthorizationConfig{
			Registry:  reg,
			Codes:     store,
			Identity:  auth.HeaderIdentity{Header: subjectHeader},
			LoginPath: "/login",
		},
		token: auth.TokenConfig{
			Registry:            reg,
			Codes:               store,
			Tokens:              store,
			RevokeFamilyOnReuse: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &harness{
		clock:     clk,
		store:     store,
		registry:  reg,
		authorize: auth.NewAuthorizationHandler(cfg.authorization),
		token:     auth.NewTokenHandler(cfg.token),
		introspect: auth.NewIntrospectionHandler(auth.IntrospectionConfig{
			Registry: reg,
			Tokens:   store,
		}),
		revoke: auth.NewRevocationHandler(auth.RevocationConfig{
			Registry: reg,
			Tokens:   store,
		}),
	}
}

func authorizeURL(clientID, redirectURI, scope, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	if scope != "" {
		q.Set("scope", scope)
	}
	if state != "" {
		q.Set("state", state)
	}
	return "/authorize?" + q.Encode()
}

func (h *harness) get(target string, subject string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if subject != "" {
		req.Header.Set(subjectHeader, subject)
	}
	rec := httptest.NewRecorder()
	h.authorize.ServeHTTP(rec, req)
	return rec
}

// issueCode runs a successful authorization request and returns the code.
func (h *harness) issueCode(t *testing.T, clientID, redirectURI, scope string) string {
	t.Helper()

	rec := h.get(authorizeURL(clientID, redirectURI, scope, "xyz"), "alice")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func post(handler http.Handler, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(url.QueryEscape(basicUser), url.QueryEscape(basicPass))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) exchange(code, clientID, redirectURI string) *httptest.ResponseRecorder {
	return post(h.token, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {clientID},
	}, "", "")
}

func (h *harness) refresh(refreshToken, clientID, scope string) *httptest.ResponseRecorder {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return post(h.token, form, "", "")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func requireOAuthError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, code, decode(t, rec)["error"])
}

// tokens exchanges a fresh code for the public web client.
func (h *harness) tokens(t *testing.T, scope string) map[string]any {
	t.Helper()

	code := h.issueCode(t, webClient, webRedirect, scope)
	rec := h.exchange(code, webClient, webRedirect)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)
}
