package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// Params identifies what to probe.
type Params struct {
	Provider   string
	Credential *credential.OAuth
	BaseURL    string
}

// Cache is the TTL cache probers store reports in. The credential store's
// cache table satisfies it.
type Cache interface {
	GetCache(ctx context.Context, key string) (string, bool, error)
	SetCache(ctx context.Context, key, value string, ttl time.Duration) error
}

// Deps are the collaborators a probe runs with. Zero-value fields get
// defaults from Normalize.
type Deps struct {
	Cache  Cache
	Client *http.Client
	Clock  clockwork.Clock
	Logger *log.Logger
}

// Normalize fills nil fields with defaults.
func (d Deps) Normalize() Deps {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})
	}
	return d
}

// Prober is the per-provider usage plugin. FetchUsage never fails loudly: on
// any error it returns nil and logs at debug level, and the selector treats
// nil as "unknown".
type Prober interface {
	FetchUsage(ctx context.Context, params Params, deps Deps) *Report
}

// Supporter is optionally implemented by probers that only serve certain
// account tiers.
type Supporter interface {
	Supports(params Params) bool
}

// Registry maps provider ids to probers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	probers map[string]Prober
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probers: make(map[string]Prober)}
}

// Register installs or replaces the prober for a provider.
func (r *Registry) Register(provider string, p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probers[provider] = p
}

// Lookup returns the prober for a provider, or nil. Probers that implement
// Supporter and reject the params resolve to nil.
func (r *Registry) Lookup(provider string) Prober {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.probers[provider]
}

// DefaultRegistry returns a registry with the built-in probers installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("anthropic", &AnthropicProber{})
	r.Register("openai-codex", &CodexProber{})
	return r
}

// cacheTTL is how long probe results stay fresh. Usage endpoints update on
// the order of minutes, so a short TTL keeps ranking responsive without
// hammering the endpoint during parallel fan-out.
const cacheTTL = 3 * time.Minute

// credentialCacheKey derives a cache key stable for the probed credential:
// the account id when known, else a hash of the access token.
func credentialCacheKey(provider string, c *credential.OAuth) string {
	suffix := c.AccountID
	if suffix == "" {
		sum := sha256.Sum256([]byte(c.Access))
		suffix = hex.EncodeToString(sum[:8])
	}
	return provider + ":" + suffix
}

// cachedReport looks up a serialized report. A decode failure is treated as
// a miss.
func cachedReport(ctx context.Context, deps Deps, key string) *Report {
	if deps.Cache == nil {
		return nil
	}
	raw, ok, err := deps.Cache.GetCache(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil
	}
	return &r
}

// storeReport caches a report best-effort.
func storeReport(ctx context.Context, deps Deps, key string, r *Report) {
	if deps.Cache == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := deps.Cache.SetCache(ctx, key, string(raw), cacheTTL); err != nil {
		deps.Logger.Debug("failed to cache usage report", "key", key, "error", err)
	}
}
