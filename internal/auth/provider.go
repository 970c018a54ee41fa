// Package auth tracks the session that replication runs under: whether a user
// is signed in, which roles they hold, and the bearer credential to present.
package auth

import (
	"fmt"
	"slices"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/kilupskalvis/replica/internal/broadcast"
)

// HasuraClaimsKey is the JWT claim namespace carrying role information.
const HasuraClaimsKey = "https://hasura.io/jwt/claims"

// Provider is the external authentication client.
type Provider interface {
	IsAuthenticated() bool
	UserRoles() []string
	AccessToken() string
	// OnAuthStateChanged registers fn for session changes and token refreshes.
	OnAuthStateChanged(fn func()) *broadcast.Subscription
}

// TokenProvider holds a bearer JWT issued elsewhere. The server verifies the
// signature; the client only reads the role claims.
type TokenProvider struct {
	mu      sync.RWMutex
	token   string
	roles   []string
	changes *broadcast.Broadcaster[struct{}]
}

// NewTokenProvider returns a signed-out provider.
func NewTokenProvider() *TokenProvider {
	return &TokenProvider{changes: broadcast.New[struct{}]()}
}

// SetToken installs a new access token, for a login or a refresh.
func (p *TokenProvider) SetToken(token string) error {
	roles, err := ParseRoles(token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.token = token
	p.roles = roles
	p.mu.Unlock()

	p.changes.Publish(struct{}{})
	return nil
}

// Clear signs the session out.
func (p *TokenProvider) Clear() {
	p.mu.Lock()
	p.token = ""
	p.roles = nil
	p.mu.Unlock()

	p.changes.Publish(struct{}{})
}

// IsAuthenticated reports whether a token is installed.
func (p *TokenProvider) IsAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != ""
}

// UserRoles returns the roles granted by the token.
func (p *TokenProvider) UserRoles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.roles)
}

// AccessToken returns the raw bearer token.
func (p *TokenProvider) AccessToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// OnAuthStateChanged registers fn for every SetToken or Clear.
func (p *TokenProvider) OnAuthStateChanged(fn func()) *broadcast.Subscription {
	return p.changes.Subscribe(func(struct{}) { fn() })
}

// ParseRoles extracts x-hasura-allowed-roles from an unverified JWT.
func ParseRoles(token string) ([]string, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	ns, ok := claims[HasuraClaimsKey].(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, ok := ns["x-hasura-allowed-roles"].([]any)
	if !ok {
		return nil, nil
	}

	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	return roles, nil
}
