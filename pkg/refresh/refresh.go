// Package refresh exchanges OAuth refresh tokens for fresh access tokens.
// Each provider registers a Refresher; the selector resolves one at call time
// and treats an unknown provider as "no refresh".
package refresh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// Refresher is the per-provider refresh plugin.
type Refresher interface {
	// NeedsRefresh reports whether the access token must be exchanged before
	// use.
	NeedsRefresh(c *credential.OAuth, now time.Time) bool
	// Refresh exchanges the refresh token for a new token set. It returns a
	// new credential; the input is never mutated. Failures are *Error values
	// carrying a FailureKind.
	Refresh(ctx context.Context, c *credential.OAuth) (*credential.OAuth, error)
	// APIKeyFrom extracts the value passed downstream as the API key.
	APIKeyFrom(c *credential.OAuth) string
}

// Base provides the default Refresher behavior: refresh once the expiry has
// passed, and use the access token as the API key. Provider refreshers embed
// it and override what differs.
type Base struct{}

// NeedsRefresh reports now >= expires.
func (Base) NeedsRefresh(c *credential.OAuth, now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// APIKeyFrom returns the access token.
func (Base) APIKeyFrom(c *credential.OAuth) string { return c.Access }

// Registry maps provider ids to refreshers. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	refreshers map[string]Refresher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{refreshers: make(map[string]Refresher)}
}

// Register installs or replaces the refresher for a provider.
func (r *Registry) Register(provider string, ref Refresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshers[provider] = ref
}

// Lookup returns the refresher for a provider, or nil.
func (r *Registry) Lookup(provider string) Refresher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshers[provider]
}

// DefaultRegistry returns a registry with the built-in provider refreshers
// installed, all sharing the given HTTP client (nil uses a 30s-timeout
// default).
func DefaultRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := NewRegistry()
	r.Register("anthropic", NewAnthropic(client))
	r.Register("openai-codex", NewCodex(client))
	r.Register("google-gemini", NewGemini(client))
	return r
}
