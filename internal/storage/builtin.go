package storage

import (
	"context"

	"github.com/icssc/auth/internal/oauth"
)

// Builtin serves the compiled-in client table.
type Builtin struct{}

// BuiltinClients returns the ICSSC relying parties registered by default.
func BuiltinClients() []oauth.Client {
	return []oauth.Client{
		{
			ClientID:              "antalmanac",
			RedirectURI:           "https://antalmanac.com/auth",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "AntAlmanac",
			AllowedDomainPatterns: []string{"https://antalmanac.com", "https://staging-*.antalmanac.com"},
		},
		{
			ClientID:              "antalmanac-dev",
			RedirectURI:           "http://localhost:5173/auth",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "AntAlmanac Dev",
			AllowedDomainPatterns: []string{"http://localhost:5173"},
		},
		{
			ClientID:              "peterportal",
			RedirectURI:           "https://peterportal.com/api/users/auth/google/callback",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "PeterPortal",
			AllowedDomainPatterns: []string{"https://peterportal.org", "https://staging-*.peterportal.org"},
		},
		{
			ClientID:              "peterportal-dev",
			RedirectURI:           "http://localhost:8080/api/users/auth/google/callback",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "PeterPortal Dev",
			AllowedDomainPatterns: []string{"http://localhost:8080", "http://localhost:3000"},
		},
		{
			ClientID:              "zotmeet",
			RedirectURI:           "https://zotmeet.com/auth/login/google/callback",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "ZotMeet",
			AllowedDomainPatterns: []string{"https://zotmeet.com", "https://staging-*.zotmeet.com"},
		},
		{
			ClientID:              "zotmeet-dev",
			RedirectURI:           "http://localhost:3000/auth/login/google/callback",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "ZotMeet Dev",
			AllowedDomainPatterns: []string{"http://localhost:3000"},
		},
		{
			ClientID:              "test",
			RedirectURI:           "http://localhost:3000/auth",
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "Test",
			AllowedDomainPatterns: []string{"http://localhost:3000"},
		},
	}
}

func (Builtin) LoadClients(context.Context) ([]oauth.Client, error) {
	return BuiltinClients(), nil
}

func (Builtin) Ping(context.Context) error { return nil }

func (Builtin) Close() error { return nil }
