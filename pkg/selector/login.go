package selector

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// LoginResult is what a provider's login flow produces: an API key, one or
// more OAuth credentials, or both.
type LoginResult struct {
	APIKey string
	OAuth  []*credential.OAuth
}

// LoginFlow is the external, provider-specific login module (browser PKCE
// dance, device code, key prompt). The state string is a fresh opaque value
// for CSRF protection of the flow.
type LoginFlow interface {
	Login(ctx context.Context, state string) (*LoginResult, error)
}

// Login runs the provider's login flow and stores the result. For most
// providers the new credentials are appended to the existing set; providers
// declared ReplaceOnRelogin get their set replaced.
func (s *Selector) Login(ctx context.Context, provider string, flow LoginFlow) error {
	result, err := flow.Login(ctx, uuid.NewString())
	if err != nil {
		return fmt.Errorf("login failed for %s: %w", provider, err)
	}

	var incoming []credential.Credential
	if result != nil {
		if result.APIKey != "" {
			incoming = append(incoming, &credential.APIKey{Key: result.APIKey})
		}
		for _, o := range result.OAuth {
			incoming = append(incoming, o)
		}
	}
	if len(incoming) == 0 {
		return fmt.Errorf("login for %s produced no credentials", provider)
	}

	var next []credential.Credential
	if !s.providers.Lookup(provider).ReplaceOnRelogin {
		existing, err := s.store.List(ctx, provider)
		if err != nil {
			s.logger.Warn("failed to read existing credentials", "provider", provider, "error", err)
		}
		for _, row := range existing {
			next = append(next, row.Credential)
		}
	}
	next = append(next, incoming...)

	if _, err := s.store.ReplaceForProvider(ctx, provider, next); err != nil {
		return fmt.Errorf("failed to store login result for %s: %w", provider, err)
	}
	return s.Reload(ctx)
}

// Logout soft-deletes every credential of the provider and reloads.
func (s *Selector) Logout(ctx context.Context, provider string) error {
	if err := s.store.DeleteForProvider(ctx, provider); err != nil {
		s.logger.Warn("failed to delete credentials", "provider", provider, "error", err)
	}
	return s.Reload(ctx)
}
