// Package providers declares per-provider metadata the selector and the
// built-in plugins consult: accepted environment variable names, OAuth
// endpoints, usage endpoints, and login behavior. Defaults ship in code and
// can be overridden from a YAML file.
package providers

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider is one provider declaration.
type Provider struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// EnvVars lists accepted API key environment variables; the first
	// non-empty value wins.
	EnvVars  []string `yaml:"env_vars,omitempty"`
	TokenURL string   `yaml:"token_url,omitempty"`
	ClientID string   `yaml:"client_id,omitempty"`
	UsageURL string   `yaml:"usage_url,omitempty"`
	// ReplaceOnRelogin makes login replace the stored set rather than append
	// to it.
	ReplaceOnRelogin bool `yaml:"replace_on_relogin,omitempty"`
}

func defaults() []Provider {
	return []Provider{
		{
			ID:       "anthropic",
			Name:     "Anthropic",
			EnvVars:  []string{"ANTHROPIC_API_KEY"},
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			UsageURL: "https://api.anthropic.com/api/oauth/usage",
		},
		{
			ID:      "openai",
			Name:    "OpenAI",
			EnvVars: []string{"OPENAI_API_KEY"},
		},
		{
			ID:       "openai-codex",
			Name:     "OpenAI Codex",
			TokenURL: "https://auth.openai.com/oauth/token",
			ClientID: "app_EMoamEEZ73f0CkXaXp7hrann",
			UsageURL: "https://chatgpt.com/backend-api/wham/usage",
		},
		{
			ID:      "google-gemini",
			Name:    "Google Gemini",
			EnvVars: []string{"GEMINI_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY"},
		},
		{
			ID:      "huggingface",
			Name:    "Hugging Face",
			EnvVars: []string{"HUGGINGFACE_HUB_TOKEN", "HF_TOKEN"},
		},
		{
			ID:      "openrouter",
			Name:    "OpenRouter",
			EnvVars: []string{"OPENROUTER_API_KEY"},
		},
		{
			ID:               "minimax-code",
			Name:             "MiniMax Code",
			EnvVars:          []string{"MINIMAX_API_KEY"},
			ReplaceOnRelogin: true,
		},
		{
			ID:               "minimax-code-cn",
			Name:             "MiniMax Code (CN)",
			EnvVars:          []string{"MINIMAX_API_KEY"},
			ReplaceOnRelogin: true,
		},
		{
			ID:      "qwen",
			Name:    "Qwen",
			EnvVars: []string{"DASHSCOPE_API_KEY"},
		},
		{
			ID:      "cerebras",
			Name:    "Cerebras",
			EnvVars: []string{"CEREBRAS_API_KEY"},
		},
	}
}

// Set is an immutable-after-construction collection of provider
// declarations.
type Set struct {
	mu    sync.RWMutex
	byID  map[string]Provider
	order []string
}

// NewSet returns the built-in declarations.
func NewSet() *Set {
	s := &Set{byID: make(map[string]Provider)}
	for _, p := range defaults() {
		s.byID[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

// Lookup returns the declaration for a provider id. Unknown providers get a
// zero declaration with the id filled in, so callers never special-case
// providers they have credentials for but no declaration.
func (s *Set) Lookup(id string) Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byID[id]; ok {
		return p
	}
	return Provider{ID: id}
}

// All returns the declarations in declaration order.
func (s *Set) All() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// EnvLookup returns the first non-empty value among the provider's accepted
// environment variables, using the supplied getenv (nil uses os.Getenv).
func (s *Set) EnvLookup(id string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range s.Lookup(id).EnvVars {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// overrideFile is the YAML override document shape.
type overrideFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadOverrides merges declarations from a YAML file into the set. Entries
// with a known id replace that declaration field-for-field when the field is
// set; entries with a new id are appended.
func (s *Set) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read provider overrides: %w", err)
	}

	var doc overrideFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse provider overrides: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range doc.Providers {
		if o.ID == "" {
			continue
		}
		existing, known := s.byID[o.ID]
		if !known {
			s.byID[o.ID] = o
			s.order = append(s.order, o.ID)
			continue
		}
		s.byID[o.ID] = mergeProvider(existing, o)
	}
	return nil
}

func mergeProvider(base, o Provider) Provider {
	if o.Name != "" {
		base.Name = o.Name
	}
	if len(o.EnvVars) > 0 {
		base.EnvVars = o.EnvVars
	}
	if o.TokenURL != "" {
		base.TokenURL = o.TokenURL
	}
	if o.ClientID != "" {
		base.ClientID = o.ClientID
	}
	if o.UsageURL != "" {
		base.UsageURL = o.UsageURL
	}
	if o.ReplaceOnRelogin {
		base.ReplaceOnRelogin = true
	}
	return base
}
