package gcal

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/fieldline/calsync/internal/engine"
)

// TokenProvider adapts an oauth2.TokenSource to the engine's Credentials
// interface. The source owns refresh; the provider only reports whether a
// valid bearer token is currently available.
type TokenProvider struct {
	ts oauth2.TokenSource
}

// NewTokenProvider wraps a token source.
func NewTokenProvider(ts oauth2.TokenSource) *TokenProvider {
	return &TokenProvider{ts: ts}
}

// Token implements engine.Credentials. Failure maps to the auth error so
// the engine aborts the run instead of retrying internally.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrAuth, err)
	}
	if !tok.Valid() {
		return "", fmt.Errorf("%w: token expired", engine.ErrAuth)
	}
	return tok.AccessToken, nil
}

// TokenSourceFromFile builds a token source from a service-account or
// authorized-user credentials JSON file. An empty path falls back to
// Application Default Credentials.
func TokenSourceFromFile(ctx context.Context, path string) (oauth2.TokenSource, error) {
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("application default credentials: %w", err)
		}
		return creds.TokenSource, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds.TokenSource, nil
}
