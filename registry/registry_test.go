package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/milanbella/sa-oauth/auth"
)

func TestNewAndLookup(t *testing.T) {
	reg, err := New([]auth.Client{
		{
			ClientID:      "web",
			RedirectURIs:  []string{"https://app.example.com/cb"},
			AllowedScopes: []string{"read", "write"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	c, err := reg.Lookup(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web", c.ClientID)
	assert.False(t, c.Confidential())
	assert.True(t, c.HasRedirectURI("https://app.example.com/cb"))
	assert.False(t, c.HasRedirectURI("https://app.example.com/cb/"))

	c.AllowedScopes[0] = "admin"
	again, err := reg.Lookup(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, again.AllowedScopes)

	_, err = reg.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrClientNotFound)
}

func TestNewRejectsInvalidClients(t *testing.T) {
	tests := []struct {
		name   string
		client auth.Client
	}{
		{"empty id", auth.Client{RedirectURIs: []string{"https://a.example/cb"}}},
		{"no redirect", auth.Client{ClientID: "c"}},
		{"relative redirect", auth.Client{ClientID: "c", RedirectURIs: []string{"/cb"}}},
		{"fragment", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb#frag"}}},
		{"space in redirect", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb https://evil.example/steal"}}},
		{"tab in redirect", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb\thttps://evil.example/steal"}}},
		{"non-breaking space in redirect", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb\u00a0https://evil.example/steal"}}},
		{"control char in redirect", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb\x7f"}}},
		{"bad scope", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb"}, AllowedScopes: []string{"a b"}}},
		{"unicode space in scope", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb"}, AllowedScopes: []string{"read\u2003write"}}},
		{"quote in scope", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb"}, AllowedScopes: []string{`re"ad`}}},
		{"empty scope", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb"}, AllowedScopes: []string{""}}},
		{"bad secret hash", auth.Client{ClientID: "c", RedirectURIs: []string{"https://a.example/cb"}, SecretHash: "plaintext"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]auth.Client{tt.client})
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	c := auth.Client{ClientID: "web", RedirectURIs: []string{"https://a.example/cb"}}
	_, err := New([]auth.Client{c, c})
	assert.ErrorContains(t, err, "registered twice")
}

func TestLoadFile(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	content := `clients:
  - client_id: web
    name: Web App
    secret_hash: "` + string(hash) + `"
    redirect_uris:
      - https://app.example.com/callback
    allowed_scopes: [read, write]
  - client_id: cli
    redirect_uris: ["http://127.0.0.1:9999/cb"]
`
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	web, err := reg.Lookup(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "Web App", web.Name)
	assert.True(t, web.Confidential())
	assert.Equal(t, []string{"read", "write"}, web.AllowedScopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(web.SecretHash), []byte("s3cret")))

	cli, err := reg.Lookup(context.Background(), "cli")
	require.NoError(t, err)
	assert.False(t, cli.Confidential())
	assert.Empty(t, cli.AllowedScopes)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients:\n  - client_id: x\n    redirect_uris: [relative]\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "must be absolute")
}
