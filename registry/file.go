package registry

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/milanbella/sa-oauth/auth"
)

type fileClient struct {
	ClientID      string   `koanf:"client_id"`
	Name          string   `koanf:"name"`
	SecretHash    string   `koanf:"secret_hash"`
	RedirectURIs  []string `koanf:"redirect_uris"`
	AllowedScopes []string `koanf:"allowed_scopes"`
}

// LoadFile reads a YAML client list of the form:
//
//	clients:
//	  - client_id: web
//	    secret_hash: $2a$10$...
//	    redirect_uris: [https://app.example.com/callback]
//	    allowed_scopes: [openid, profile]
func LoadFile(path string) (*Static, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load clients file %s: %w", path, err)
	}

	var entries []fileClient
	if err := k.Unmarshal("clients", &entries); err != nil {
		return nil, fmt.Errorf("decode clients file %s: %w", path, err)
	}

	clients := make([]auth.Client, 0, len(entries))
	for _, e := range entries {
		clients = append(clients, auth.Client{
			ClientID:      e.ClientID,
			Name:          e.Name,
			SecretHash:    e.SecretHash,
			RedirectURIs:  e.RedirectURIs,
			AllowedScopes: e.AllowedScopes,
		})
	}

	reg, err := New(clients)
	if err != nil {
		return nil, fmt.Errorf("clients file %s: %w", path, err)
	}
	return reg, nil
}
