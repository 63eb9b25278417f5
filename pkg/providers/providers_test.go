package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDefaults(t *testing.T) {
	s := NewSet()

	p := s.Lookup("anthropic")
	assert.Equal(t, "Anthropic", p.Name)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, p.EnvVars)
	assert.False(t, p.ReplaceOnRelogin)

	assert.True(t, s.Lookup("minimax-code").ReplaceOnRelogin)
	assert.True(t, s.Lookup("minimax-code-cn").ReplaceOnRelogin)

	unknown := s.Lookup("nope")
	assert.Equal(t, "nope", unknown.ID)
	assert.Empty(t, unknown.EnvVars)
}

func TestEnvLookupFirstNonEmptyWins(t *testing.T) {
	s := NewSet()
	env := map[string]string{"GOOGLE_GENERATIVE_AI_API_KEY": "second"}
	getenv := func(k string) string { return env[k] }

	assert.Equal(t, "second", s.EnvLookup("google-gemini", getenv))

	env["GEMINI_API_KEY"] = "first"
	assert.Equal(t, "first", s.EnvLookup("google-gemini", getenv))

	assert.Empty(t, s.EnvLookup("openai-codex", getenv), "codex has no env vars")
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: anthropic
    token_url: https://proxy.example.com/oauth/token
  - id: custom
    name: Custom
    env_vars: [CUSTOM_API_KEY]
`), 0o600))

	s := NewSet()
	require.NoError(t, s.LoadOverrides(path))

	p := s.Lookup("anthropic")
	assert.Equal(t, "https://proxy.example.com/oauth/token", p.TokenURL)
	assert.Equal(t, "Anthropic", p.Name, "unset override fields keep defaults")
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, p.EnvVars)

	custom := s.Lookup("custom")
	assert.Equal(t, "Custom", custom.Name)

	all := s.All()
	assert.Equal(t, "custom", all[len(all)-1].ID, "new providers appended")
}

func TestLoadOverridesMissingFile(t *testing.T) {
	s := NewSet()
	assert.Error(t, s.LoadOverrides(filepath.Join(t.TempDir(), "absent.yaml")))
}
