// Package security authenticates and rate limits callers of the run API.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal represents an authenticated caller
type Principal struct {
	ID   string
	Name string
}

// Authenticator handles authentication of requests
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// APIKeyAuthenticator implements simple API key authentication
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key with associated principal
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Len reports how many keys are registered.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Authenticate verifies an API key and returns the associated principal
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Constant-time comparison against every key.
	var found *Principal
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			found = principal
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

// NoAuthAuthenticator accepts every request as one anonymous principal.
type NoAuthAuthenticator struct {
	principal *Principal
}

func NewNoAuthAuthenticator() *NoAuthAuthenticator {
	return &NoAuthAuthenticator{
		principal: &Principal{ID: "anonymous", Name: "anonymous"},
	}
}

func (a *NoAuthAuthenticator) Authenticate(context.Context, string) (*Principal, error) {
	return a.principal, nil
}

// contextKey is a private type for context keys
type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal adds the authenticated principal to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the principal from the context
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
