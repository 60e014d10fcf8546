package dicomweb

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scope is the OAuth scope required by the Healthcare API.
const Scope = "https://www.googleapis.com/auth/cloud-platform"

// Credentials is a token source plus a human-readable account of where it
// came from, used in access guidance.
type Credentials struct {
	TokenSource oauth2.TokenSource
	Source      string
}

// FindCredentials loads a service-account key file when keyFile is set and
// falls back to Application Default Credentials otherwise.
func FindCredentials(ctx context.Context, keyFile string) (*Credentials, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, Scope)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", keyFile, err)
		}
		return &Credentials{TokenSource: creds.TokenSource, Source: "key file " + keyFile}, nil
	}

	creds, err := google.FindDefaultCredentials(ctx, Scope)
	if err != nil {
		return nil, fmt.Errorf("find application default credentials: %w", err)
	}
	return &Credentials{TokenSource: creds.TokenSource, Source: "application default credentials"}, nil
}

// StaticCredentials wraps a fixed bearer token.
func StaticCredentials(token string) *Credentials {
	return &Credentials{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Source:      "static token",
	}
}
