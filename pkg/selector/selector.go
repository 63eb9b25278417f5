// Package selector orchestrates credential selection: it loads and dedupes
// the stored credential sets, tracks round-robin and session stickiness,
// maintains rate-limit backoffs, ranks OAuth credentials by usage, drives
// token refresh, and surfaces an API key per provider.
package selector

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
	"github.com/theerud/oh-my-pi-sub003/pkg/providers"
	"github.com/theerud/oh-my-pi-sub003/pkg/ranking"
	"github.com/theerud/oh-my-pi-sub003/pkg/refresh"
	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

// ErrNoAPIKey is returned when every selection strategy comes up empty.
var ErrNoAPIKey = errors.New("no api key available")

// ConfigResolver dereferences an api_key value that may be a literal, an
// environment variable name, or a "!cmd" command string.
type ConfigResolver func(ctx context.Context, value string) (string, error)

// FallbackResolver is consulted last, after storage, OAuth, and environment
// lookups, so out-of-band provider configurations still produce a key.
type FallbackResolver func(ctx context.Context, provider string) (string, bool)

// assignment pins a session to one credential: the type and the index within
// the type-filtered list.
type assignment struct {
	ctype credential.Type
	index int
}

// Options configures a Selector. Zero-value fields get defaults.
type Options struct {
	Providers  *providers.Set
	Refreshers *refresh.Registry
	Probers    *usage.Registry
	Strategies *ranking.Registry
	Clock      clockwork.Clock
	Logger     *log.Logger
	// Client is used for refresh and probe HTTP.
	Client *http.Client
	// Getenv overrides the environment lookup, for tests.
	Getenv func(string) string
	// ConfigResolver overrides api_key dereferencing.
	ConfigResolver ConfigResolver
	// UsageCache overrides the store-backed probe cache.
	UsageCache usage.Cache
}

// Selector is the credential orchestrator. All exported methods are safe for
// concurrent use; one mutex guards the in-memory maps, and I/O (store
// commits, refresh and probe HTTP) runs outside it on copied state.
type Selector struct {
	store      Store
	providers  *providers.Set
	refreshers *refresh.Registry
	probers    *usage.Registry
	strategies *ranking.Registry
	clock      clockwork.Clock
	logger     *log.Logger
	client     *http.Client
	getenv     func(string) string
	resolver   ConfigResolver
	usageCache usage.Cache

	mu sync.Mutex
	// sets holds the deduplicated credential set per provider, in insertion
	// order.
	sets map[string][]credential.Stored
	// sessions maps provider -> sessionId -> assignment.
	sessions map[string]map[string]assignment
	// rr holds the round-robin counters keyed by provider|type.
	rr map[string]int
	// backoff maps provider|type -> credential row id -> blockedUntil.
	backoff map[string]map[int64]time.Time
	// overrides are runtime api keys taking absolute priority.
	overrides map[string]string
	fallback  FallbackResolver
	// probeLimiters throttle usage probes per provider.
	probeLimiters map[string]*rate.Limiter
}

// New builds a Selector over the given store. Reload must be called (or is
// called implicitly by NewLoaded) before selection sees stored credentials.
func New(store Store, opts Options) *Selector {
	if opts.Providers == nil {
		opts.Providers = providers.NewSet()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Refreshers == nil {
		opts.Refreshers = refresh.DefaultRegistry(opts.Client)
	}
	if opts.Probers == nil {
		opts.Probers = usage.DefaultRegistry()
	}
	if opts.Strategies == nil {
		opts.Strategies = ranking.DefaultRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.ConfigResolver == nil {
		opts.ConfigResolver = DefaultConfigResolver(opts.Getenv)
	}
	if opts.UsageCache == nil {
		opts.UsageCache = storeCache{store: store}
	}

	return &Selector{
		store:         store,
		providers:     opts.Providers,
		refreshers:    opts.Refreshers,
		probers:       opts.Probers,
		strategies:    opts.Strategies,
		clock:         opts.Clock,
		logger:        opts.Logger,
		client:        opts.Client,
		getenv:        opts.Getenv,
		resolver:      opts.ConfigResolver,
		usageCache:    opts.UsageCache,
		sets:          make(map[string][]credential.Stored),
		sessions:      make(map[string]map[string]assignment),
		rr:            make(map[string]int),
		backoff:       make(map[string]map[int64]time.Time),
		overrides:     make(map[string]string),
		probeLimiters: make(map[string]*rate.Limiter),
	}
}

// NewLoaded builds a Selector and performs the initial Reload.
func NewLoaded(ctx context.Context, store Store, opts Options) (*Selector, error) {
	s := New(store, opts)
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload loads all non-disabled rows from the store, groups by provider,
// dedupes, and replaces the in-memory state. Session and round-robin state
// are cleared for any provider whose set changed. Reload is the only way
// non-local changes become visible.
func (s *Selector) Reload(ctx context.Context) error {
	rows, err := s.store.List(ctx, "")
	if err != nil {
		// A failed read means "no credentials", per the error model.
		s.logger.Warn("credential store read failed", "error", err)
		rows = nil
	}

	grouped := make(map[string][]credential.Stored)
	for _, row := range rows {
		grouped[row.Provider] = append(grouped[row.Provider], row)
	}

	fresh := make(map[string][]credential.Stored, len(grouped))
	for provider, set := range grouped {
		fresh[provider] = s.dedupe(ctx, provider, set)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for provider := range union(s.sets, fresh) {
		if !sameSet(s.sets[provider], fresh[provider]) {
			delete(s.sessions, provider)
			s.clearCounters(provider)
		}
	}
	s.sets = fresh
	return nil
}

// dedupe walks a provider set newest to oldest, dropping any OAuth
// credential whose identifiers were already claimed by a newer one. Dropped
// rows are soft-deleted in the store. The result is back in insertion order.
func (s *Selector) dedupe(ctx context.Context, provider string, set []credential.Stored) []credential.Stored {
	claimed := make(map[string]bool)
	kept := make([]credential.Stored, 0, len(set))

	for i := len(set) - 1; i >= 0; i-- {
		row := set[i]
		oauth := row.OAuth()
		if oauth == nil {
			kept = append(kept, row)
			continue
		}

		ids := credential.DedupIdentifiers(provider, oauth)
		duplicate := false
		for _, id := range ids {
			if claimed[id] {
				duplicate = true
				break
			}
		}
		if duplicate {
			s.logger.Debug("dropping duplicate credential", "provider", provider, "id", row.ID)
			if err := s.store.Delete(ctx, row.ID); err != nil {
				s.logger.Debug("failed to soft-delete duplicate", "id", row.ID, "error", err)
			}
			continue
		}
		for _, id := range ids {
			claimed[id] = true
		}
		kept = append(kept, row)
	}

	// Restore insertion order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// clearCounters drops the round-robin counters of one provider. Caller holds
// the mutex.
func (s *Selector) clearCounters(provider string) {
	delete(s.rr, rrKey(provider, credential.TypeAPIKey))
	delete(s.rr, rrKey(provider, credential.TypeOAuth))
}

func rrKey(provider string, ctype credential.Type) string {
	return provider + "|" + string(ctype)
}

func union(a, b map[string][]credential.Stored) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func sameSet(a, b []credential.Stored) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// Set replaces the stored credentials for a provider and reloads.
func (s *Selector) Set(ctx context.Context, provider string, creds ...credential.Credential) error {
	if _, err := s.store.ReplaceForProvider(ctx, provider, creds); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Remove soft-deletes every credential of a provider and reloads.
func (s *Selector) Remove(ctx context.Context, provider string) error {
	if err := s.store.DeleteForProvider(ctx, provider); err != nil {
		s.logger.Warn("failed to remove credentials", "provider", provider, "error", err)
	}
	return s.Reload(ctx)
}

// List returns the providers that currently hold at least one credential,
// sorted.
func (s *Selector) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets))
	for provider, set := range s.sets {
		if len(set) > 0 {
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether any key source exists for the provider: a runtime
// override, a stored credential, or a non-empty environment variable.
func (s *Selector) Has(provider string) bool {
	s.mu.Lock()
	_, overridden := s.overrides[provider]
	stored := len(s.sets[provider]) > 0
	s.mu.Unlock()
	return overridden || stored || s.providers.EnvLookup(provider, s.getenv) != ""
}

// HasAuth reports whether the provider has a stored credential.
func (s *Selector) HasAuth(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets[provider]) > 0
}

// HasOAuth reports whether the provider has a stored OAuth credential.
func (s *Selector) HasOAuth(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.sets[provider] {
		if row.OAuth() != nil {
			return true
		}
	}
	return false
}

// SetRuntimeAPIKey installs a process-wide override that takes absolute
// priority for the provider.
func (s *Selector) SetRuntimeAPIKey(provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[provider] = key
}

// RemoveRuntimeAPIKey removes a runtime override.
func (s *Selector) RemoveRuntimeAPIKey(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, provider)
}

// SetFallbackResolver installs the resolver consulted after every other
// strategy.
func (s *Selector) SetFallbackResolver(fn FallbackResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// typed returns the provider's credentials of one type, preserving set
// order. Caller holds the mutex.
func typed(set []credential.Stored, ctype credential.Type) []credential.Stored {
	var out []credential.Stored
	for _, row := range set {
		if row.Credential.Type() == ctype {
			out = append(out, row)
		}
	}
	return out
}

// probeLimiter returns the provider's probe limiter, creating it on first
// use. Caller holds the mutex.
func (s *Selector) probeLimiter(provider string) *rate.Limiter {
	l, ok := s.probeLimiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Every(500*time.Millisecond), 8)
		s.probeLimiters[provider] = l
	}
	return l
}
