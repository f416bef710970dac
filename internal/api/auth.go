package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
	"github.com/JakeFAU/bookmark-pipeline/internal/config"
)

// Authenticator resolves a request to a user id or fails with
// bookmark.ErrUnauthorized.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// NewAuthenticator builds the Authenticator selected by cfg.Mode.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", "header":
		header := cfg.Header
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderAuth{Header: header}, nil
	case "token":
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("token auth requires at least one token")
		}
		tokens := make(map[string]string, len(cfg.Tokens))
		for _, entry := range cfg.Tokens {
			tokens[entry.Token] = entry.User
		}
		return TokenAuth{Tokens: tokens}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// HeaderAuth trusts a user id set by an authenticating proxy.
type HeaderAuth struct {
	Header string
}

// Authenticate implements Authenticator.
func (a HeaderAuth) Authenticate(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(a.Header))
	if user == "" {
		return "", fmt.Errorf("missing %s header: %w", a.Header, bookmark.ErrUnauthorized)
	}
	if strings.ContainsAny(user, "/\\") || user == ".." {
		return "", fmt.Errorf("malformed user id: %w", bookmark.ErrUnauthorized)
	}
	return user, nil
}

// TokenAuth maps bearer tokens to user ids.
type TokenAuth struct {
	Tokens map[string]string
}

// Authenticate implements Authenticator.
func (a TokenAuth) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token: %w", bookmark.ErrUnauthorized)
	}
	token = strings.TrimSpace(token)
	for known, user := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", fmt.Errorf("unknown token: %w", bookmark.ErrUnauthorized)
}

type userIDKey struct{}

// UserID returns the authenticated user stored on ctx.
func UserID(ctx context.Context) string {
	user, _ := ctx.Value(userIDKey{}).(string)
	return user
}

func withUserID(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userIDKey{}, user)
}
