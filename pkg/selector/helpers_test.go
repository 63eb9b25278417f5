package selector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
	"github.com/theerud/oh-my-pi-sub003/pkg/credstore"
	"github.com/theerud/oh-my-pi-sub003/pkg/providers"
	"github.com/theerud/oh-my-pi-sub003/pkg/ranking"
	"github.com/theerud/oh-my-pi-sub003/pkg/refresh"
	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

var _ Store = (*credstore.Store)(nil)

// testNow is the fixed clock every harness starts at.
var testNow = time.UnixMilli(1_000_000)

type fakeRow struct {
	provider string
	ctype    credential.Type
	data     []byte
	disabled bool
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[int64]*fakeRow
	nextID int64
	cache  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[int64]*fakeRow{}, cache: map[string]string{}}
}

func (f *fakeStore) insert(t *testing.T, provider string, c credential.Credential) int64 {
	t.Helper()
	data, err := credential.MarshalData(c)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.rows[f.nextID] = &fakeRow{provider: provider, ctype: c.Type(), data: data}
	return f.nextID
}

func (f *fakeStore) List(_ context.Context, provider string) ([]credential.Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []credential.Stored
	for _, id := range ids {
		row := f.rows[id]
		if row.disabled || (provider != "" && row.provider != provider) {
			continue
		}
		c, err := credential.UnmarshalData(row.ctype, row.data)
		if err != nil {
			continue
		}
		out = append(out, credential.Stored{ID: id, Provider: row.provider, Credential: c})
	}
	return out, nil
}

func (f *fakeStore) ReplaceForProvider(_ context.Context, provider string, creds []credential.Credential) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.provider == provider {
			row.disabled = true
		}
	}
	var ids []int64
	for _, c := range creds {
		data, err := credential.MarshalData(c)
		if err != nil {
			return nil, err
		}
		f.nextID++
		f.rows[f.nextID] = &fakeRow{provider: provider, ctype: c.Type(), data: data}
		ids = append(ids, f.nextID)
	}
	return ids, nil
}

func (f *fakeStore) Update(_ context.Context, id int64, c credential.Credential) error {
	data, err := credential.MarshalData(c)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("no row %d", id)
	}
	row.ctype = c.Type()
	row.data = data
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		row.disabled = true
	}
	return nil
}

func (f *fakeStore) DeleteForProvider(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.provider == provider {
			row.disabled = true
		}
	}
	return nil
}

func (f *fakeStore) GetCache(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cache[key]
	return v, ok, nil
}

func (f *fakeStore) SetCache(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = value
	return nil
}

func (f *fakeStore) Path() string { return "/tmp/fake-auth.db" }

// fakeRefresher scripts refresh outcomes by refresh token.
type fakeRefresher struct {
	refresh.Base
	mu sync.Mutex
	// errs maps refresh token -> error to fail with.
	errs map[string]error
	// calls counts refreshes per refresh token.
	calls map[string]int
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeRefresher) Refresh(_ context.Context, c *credential.OAuth) (*credential.OAuth, error) {
	f.mu.Lock()
	f.calls[c.Refresh]++
	n := f.calls[c.Refresh]
	err := f.errs[c.Refresh]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	out.Access = fmt.Sprintf("%s-fresh-%d", c.Access, n)
	out.Expires = testNow.Add(time.Hour).UnixMilli()
	return out, nil
}

// fakeProber serves scripted reports keyed by access token.
type fakeProber struct {
	mu      sync.Mutex
	reports map[string]*usage.Report
	probes  int
}

func (p *fakeProber) FetchUsage(_ context.Context, params usage.Params, _ usage.Deps) *usage.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.reports[params.Credential.Access]
}

// env is a fixed environment for tests.
type env map[string]string

func (e env) getenv(k string) string { return e[k] }

// harness bundles a selector with its collaborators.
type harness struct {
	store     *fakeStore
	clock     *clockwork.FakeClock
	refresher *fakeRefresher
	prober    *fakeProber
	sel       *Selector
}

// newHarness builds a selector over a fake store with scripted plugins for
// provider "testprov" (with ranking) and the declared defaults otherwise.
func newHarness(t *testing.T, environ env) *harness {
	t.Helper()

	h := &harness{
		store:     newFakeStore(),
		clock:     clockwork.NewFakeClockAt(testNow),
		refresher: newFakeRefresher(),
		prober:    &fakeProber{reports: map[string]*usage.Report{}},
	}

	refreshers := refresh.NewRegistry()
	refreshers.Register("testprov", h.refresher)
	refreshers.Register("plainprov", h.refresher)
	probers := usage.NewRegistry()
	probers.Register("testprov", h.prober)
	strategies := ranking.NewRegistry()
	strategies.Register("testprov", ranking.CodexStrategy{})

	if environ == nil {
		environ = env{}
	}
	h.sel = New(h.store, Options{
		Providers:  providers.NewSet(),
		Refreshers: refreshers,
		Probers:    probers,
		Strategies: strategies,
		Clock:      h.clock,
		Getenv:     environ.getenv,
	})
	return h
}

func (h *harness) reload(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sel.Reload(context.Background()))
}

func apiKey(key string) *credential.APIKey { return &credential.APIKey{Key: key} }

func oauthCred(access, refreshToken string, expires time.Time) *credential.OAuth {
	return &credential.OAuth{Access: access, Refresh: refreshToken, Expires: expires.UnixMilli()}
}

// fakeJWT builds an unsigned JWT carrying the given claims.
func fakeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	seg := base64.RawURLEncoding.EncodeToString
	return seg([]byte(`{"alg":"none"}`)) + "." + seg(payload) + "." + seg([]byte("sig"))
}

// reportWith builds a single-limit report.
func reportWith(l usage.Limit) *usage.Report {
	return &usage.Report{Provider: "testprov", FetchedAt: testNow, Limits: []usage.Limit{l}}
}
