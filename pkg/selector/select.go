package selector

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
	"github.com/theerud/oh-my-pi-sub003/pkg/ranking"
	"github.com/theerud/oh-my-pi-sub003/pkg/refresh"
	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

// GetOptions tunes a GetAPIKey call.
type GetOptions struct {
	BaseURL string
}

// GetAPIKey returns an API key for the provider, trying in order: the
// runtime override, a stored api_key credential, a stored OAuth credential
// (usage-ranked and refreshed), the provider's environment variables, and
// the fallback resolver. sessionID, when non-empty, pins the session to one
// credential for continuity. ErrNoAPIKey is returned when every strategy
// comes up empty; the only other error is cancellation.
func (s *Selector) GetAPIKey(ctx context.Context, provider, sessionID string, opts ...GetOptions) (string, error) {
	var opt GetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	retryBudget := -1
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s.mu.Lock()
		if key, ok := s.overrides[provider]; ok {
			s.mu.Unlock()
			return key, nil
		}
		set := append([]credential.Stored(nil), s.sets[provider]...)
		s.mu.Unlock()

		if key, ok := s.selectAPIKey(ctx, provider, sessionID, set); ok {
			return key, nil
		}

		if retryBudget < 0 {
			retryBudget = len(typed(set, credential.TypeOAuth))
		}
		key, retry, err := s.selectOAuth(ctx, provider, sessionID, set, opt)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
		if retry && retryBudget > 0 {
			retryBudget--
			continue
		}
		break
	}

	if v := s.providers.EnvLookup(provider, s.getenv); v != "" {
		return v, nil
	}

	s.mu.Lock()
	fb := s.fallback
	s.mu.Unlock()
	if fb != nil {
		if key, ok := fb(ctx, provider); ok && key != "" {
			return key, nil
		}
	}
	return "", ErrNoAPIKey
}

// PeekAPIKey is GetAPIKey without side effects: it never refreshes an
// expired OAuth token, never advances counters, and never records sessions.
// An OAuth access token is returned only while its expiry is in the future.
func (s *Selector) PeekAPIKey(ctx context.Context, provider string) (string, error) {
	s.mu.Lock()
	if key, ok := s.overrides[provider]; ok {
		s.mu.Unlock()
		return key, nil
	}
	set := append([]credential.Stored(nil), s.sets[provider]...)
	s.mu.Unlock()

	for _, row := range set {
		if k, ok := row.Credential.(*credential.APIKey); ok {
			if resolved, err := s.resolver(ctx, k.Key); err == nil && resolved != "" {
				return resolved, nil
			}
		}
	}

	now := s.clock.Now()
	refresher := s.refreshers.Lookup(provider)
	for _, row := range set {
		if o := row.OAuth(); o != nil && o.ExpiresAt().After(now) {
			if refresher != nil {
				return refresher.APIKeyFrom(o), nil
			}
			return o.Access, nil
		}
	}

	if v := s.providers.EnvLookup(provider, s.getenv); v != "" {
		return v, nil
	}
	return "", ErrNoAPIKey
}

// selectAPIKey picks an api_key credential via plain selection and resolves
// its value. A resolver failure yields false so selection continues.
func (s *Selector) selectAPIKey(ctx context.Context, provider, sessionID string, set []credential.Stored) (string, bool) {
	keys := typed(set, credential.TypeAPIKey)
	if len(keys) == 0 {
		return "", false
	}

	s.mu.Lock()
	idx := s.pickIndex(provider, credential.TypeAPIKey, sessionID, keys)
	s.mu.Unlock()

	raw := keys[idx].Credential.(*credential.APIKey).Key
	resolved, err := s.resolver(ctx, raw)
	if err != nil || resolved == "" {
		s.logger.Debug("api key resolution failed", "provider", provider, "error", err)
		return "", false
	}

	s.mu.Lock()
	s.recordAssignment(provider, sessionID, credential.TypeAPIKey, idx)
	s.mu.Unlock()
	return resolved, true
}

// pickIndex implements plain selection: honor a valid unblocked session
// assignment, else start from the session hash or the round-robin counter
// and take the first unblocked index, falling back to the first in traversal
// order when all are blocked. Caller holds the mutex.
func (s *Selector) pickIndex(provider string, ctype credential.Type, sessionID string, creds []credential.Stored) int {
	n := len(creds)
	if idx, ok := s.sessionAssignment(provider, sessionID, ctype, n); ok {
		if _, blocked := s.blockedUntil(provider, ctype, creds[idx].ID); !blocked {
			return idx
		}
	}
	if n == 1 {
		return 0
	}
	order := traversal(s.startIndex(provider, ctype, sessionID, n), n)
	for _, i := range order {
		if _, blocked := s.blockedUntil(provider, ctype, creds[i].ID); !blocked {
			return i
		}
	}
	return order[0]
}

// candidate carries one OAuth credential through the probe/rank/try cycle.
type candidate struct {
	index        int
	row          credential.Stored
	report       *usage.Report
	blocked      bool
	blockedUntil time.Time
	boost        bool
	secDrain     float64
	secUsed      float64
	priDrain     float64
	priUsed      float64
}

// selectOAuth picks and validates an OAuth credential. retry reports that a
// definitively failed credential was removed and selection should restart.
func (s *Selector) selectOAuth(ctx context.Context, provider, sessionID string, set []credential.Stored, opt GetOptions) (key string, retry bool, err error) {
	oauths := typed(set, credential.TypeOAuth)
	if len(oauths) == 0 {
		return "", false, nil
	}

	refresher := s.refreshers.Lookup(provider)
	strategy := s.strategies.Lookup(provider)

	if strategy == nil || len(oauths) == 1 {
		s.mu.Lock()
		if idx, ok := s.sessionAssignment(provider, sessionID, credential.TypeOAuth, len(oauths)); ok {
			if _, blocked := s.blockedUntil(provider, credential.TypeOAuth, oauths[idx].ID); !blocked {
				s.mu.Unlock()
				return s.tryOAuth(ctx, provider, sessionID, oauths, idx, refresher, nil, false, false, opt)
			}
		}
		order := traversal(s.startIndex(provider, credential.TypeOAuth, sessionID, len(oauths)), len(oauths))
		var open []int
		for _, i := range order {
			if _, blocked := s.blockedUntil(provider, credential.TypeOAuth, oauths[i].ID); !blocked {
				open = append(open, i)
			}
		}
		s.mu.Unlock()

		if len(open) == 0 {
			// All blocked: hand out the first in order so the caller can
			// still attempt the request.
			return s.tryOAuth(ctx, provider, sessionID, oauths, order[0], refresher, nil, false, false, opt)
		}
		for _, idx := range open {
			key, retry, err := s.tryOAuth(ctx, provider, sessionID, oauths, idx, refresher, nil, false, false, opt)
			if err != nil || retry || key != "" {
				return key, retry, err
			}
		}
		return "", false, nil
	}

	// Session stickiness short-circuits ranking while the pinned credential
	// is valid and unblocked.
	s.mu.Lock()
	if idx, ok := s.sessionAssignment(provider, sessionID, credential.TypeOAuth, len(oauths)); ok {
		if _, blocked := s.blockedUntil(provider, credential.TypeOAuth, oauths[idx].ID); !blocked {
			s.mu.Unlock()
			return s.tryOAuth(ctx, provider, sessionID, oauths, idx, refresher, nil, true, false, opt)
		}
	}
	order := traversal(s.startIndex(provider, credential.TypeOAuth, sessionID, len(oauths)), len(oauths))
	s.mu.Unlock()

	cands, err := s.probeCandidates(ctx, provider, oauths, order, opt)
	if err != nil {
		return "", false, err
	}
	s.rankCandidates(provider, cands, strategy)

	tried := false
	for _, c := range cands {
		if c.blocked {
			continue
		}
		tried = true
		key, retry, err := s.tryOAuth(ctx, provider, sessionID, oauths, c.index, refresher, c.report, true, false, opt)
		if err != nil || retry || key != "" {
			return key, retry, err
		}
	}
	if tried {
		return "", false, nil
	}

	// Everything is blocked: use the best blocked candidate anyway so the
	// caller can still attempt the request. The usage pre-check is skipped.
	best := cands[0]
	return s.tryOAuth(ctx, provider, sessionID, oauths, best.index, refresher, nil, true, true, opt)
}

// probeCandidates fans out usage probes over the traversal order, marking
// exhausted credentials blocked. Already-blocked credentials are not probed.
func (s *Selector) probeCandidates(ctx context.Context, provider string, oauths []credential.Stored, order []int, opt GetOptions) ([]*candidate, error) {
	cands := make([]*candidate, len(order))
	g, gctx := errgroup.WithContext(ctx)

	for pos, idx := range order {
		row := oauths[idx]
		c := &candidate{index: idx, row: row}
		cands[pos] = c

		s.mu.Lock()
		until, blocked := s.blockedUntil(provider, credential.TypeOAuth, row.ID)
		allowed := s.probeLimiter(provider).Allow()
		s.mu.Unlock()

		if blocked {
			c.blocked = true
			c.blockedUntil = until
			continue
		}

		cred := row.OAuth().Clone()
		g.Go(func() error {
			c.report = s.probe(gctx, provider, cred, opt.BaseURL, allowed)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, c := range cands {
		if c.blocked || c.report == nil {
			continue
		}
		if len(c.report.ExhaustedLimits()) > 0 {
			c.blocked = true
			c.blockedUntil = s.blockFromReport(provider, c.row.ID, c.report)
		}
	}
	return cands, nil
}

// rankCandidates orders candidates per the selection policy: unblocked
// first; among blocked, soonest unblock first; then priority boost, lower
// secondary drain, lower secondary used fraction, lower primary drain, lower
// primary used fraction, original order.
func (s *Selector) rankCandidates(provider string, cands []*candidate, strategy ranking.Strategy) {
	now := s.clock.Now()
	defs := strategy.WindowDefaults()
	for _, c := range cands {
		if c.report == nil {
			continue
		}
		wl := strategy.FindWindowLimits(c.report)
		c.boost = strategy.HasPriorityBoost(wl.Primary)
		c.secDrain = ranking.DrainRate(wl.Secondary, now, defs.Secondary)
		c.secUsed = ranking.UsedFraction(wl.Secondary)
		c.priDrain = ranking.DrainRate(wl.Primary, now, defs.Primary)
		c.priUsed = ranking.UsedFraction(wl.Primary)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.blocked != b.blocked {
			return !a.blocked
		}
		if a.blocked {
			return a.blockedUntil.Before(b.blockedUntil)
		}
		if a.boost != b.boost {
			return a.boost
		}
		if a.secDrain != b.secDrain {
			return a.secDrain < b.secDrain
		}
		if a.secUsed != b.secUsed {
			return a.secUsed < b.secUsed
		}
		if a.priDrain != b.priDrain {
			return a.priDrain < b.priDrain
		}
		if a.priUsed != b.priUsed {
			return a.priUsed < b.priUsed
		}
		return false
	})
}

// tryOAuth validates one OAuth candidate: optional usage pre-check, refresh
// if needed, persist, re-probe on account change, record stickiness, return
// the key. retry=true means the row was removed after a definitive failure.
func (s *Selector) tryOAuth(ctx context.Context, provider, sessionID string, oauths []credential.Stored, idx int, refresher refresh.Refresher, pre *usage.Report, ranked, skipPrecheck bool, opt GetOptions) (string, bool, error) {
	row := oauths[idx]
	cred := row.OAuth().Clone()

	if ranked && pre == nil && !skipPrecheck {
		pre = s.probe(ctx, provider, cred, opt.BaseURL, true)
		if pre != nil && len(pre.ExhaustedLimits()) > 0 {
			s.blockFromReport(provider, row.ID, pre)
			return "", false, nil
		}
	}
	preAccount := cred.AccountID

	if refresher != nil && refresher.NeedsRefresh(cred, s.clock.Now()) {
		refreshed, refreshErr := refresher.Refresh(ctx, cred)
		if refreshErr != nil {
			kind := refresh.Classify(refreshErr)
			if kind == refresh.KindCancelled {
				if err := ctx.Err(); err != nil {
					return "", false, err
				}
				// A deadline inside the refresh HTTP call, not caller
				// cancellation: the endpoint is merely slow.
				kind = refresh.KindTransient
			}
			switch kind {
			case refresh.KindDefinitive:
				s.logger.Warn("credential permanently invalid, removing",
					"provider", provider, "id", row.ID, "error", refreshErr)
				if err := s.store.Delete(ctx, row.ID); err != nil {
					s.logger.Debug("failed to soft-delete credential", "id", row.ID, "error", err)
				}
				s.removeFromSet(provider, row.ID)
				return "", true, nil
			default:
				s.logger.Debug("transient refresh failure, backing off",
					"provider", provider, "id", row.ID, "error", refreshErr)
				s.mu.Lock()
				s.markCredentialBlocked(provider, credential.TypeOAuth, row.ID, s.clock.Now().Add(transientBackoff))
				s.mu.Unlock()
				return "", false, nil
			}
		}

		cred = mergeIdentity(cred, refreshed)
		if err := s.store.Update(ctx, row.ID, cred); err != nil {
			s.logger.Debug("failed to persist refreshed credential", "id", row.ID, "error", err)
		}
		s.updateInSet(provider, row.ID, cred)

		if ranked && cred.AccountID != preAccount {
			re := s.probe(ctx, provider, cred, opt.BaseURL, true)
			if re != nil && len(re.ExhaustedLimits()) > 0 {
				s.blockFromReport(provider, row.ID, re)
				return "", false, nil
			}
		}
	}

	key := cred.Access
	if refresher != nil {
		key = refresher.APIKeyFrom(cred)
	}
	if key == "" {
		return "", false, nil
	}

	s.mu.Lock()
	s.recordAssignment(provider, sessionID, credential.TypeOAuth, idx)
	s.mu.Unlock()
	return key, false, nil
}

// mergeIdentity folds identity fields the refresher did not return back into
// the refreshed credential.
func mergeIdentity(old, refreshed *credential.OAuth) *credential.OAuth {
	out := refreshed.Clone()
	if out.AccountID == "" {
		out.AccountID = old.AccountID
	}
	if out.Email == "" {
		out.Email = old.Email
	}
	if out.ProjectID == "" {
		out.ProjectID = old.ProjectID
	}
	if out.EnterpriseURL == "" {
		out.EnterpriseURL = old.EnterpriseURL
	}
	return out
}

// blockFromReport marks a credential blocked until the earliest future reset
// among the report's exhausted limits, defaulting to one minute out.
func (s *Selector) blockFromReport(provider string, id int64, r *usage.Report) time.Time {
	now := s.clock.Now()
	until := resetFromReport(r, now)
	if until.IsZero() {
		until = now.Add(defaultBlockDuration)
	}
	s.mu.Lock()
	s.markCredentialBlocked(provider, credential.TypeOAuth, id, until)
	s.mu.Unlock()
	return until
}

// resetFromReport returns the earliest future reset time among the exhausted
// limits of a report, or the zero time.
func resetFromReport(r *usage.Report, now time.Time) time.Time {
	var earliest time.Time
	for _, l := range r.ExhaustedLimits() {
		if l.Window == nil {
			continue
		}
		var t time.Time
		if l.Window.ResetsAt != nil {
			t = *l.Window.ResetsAt
		}
		if l.Window.ResetInMs > 0 {
			fromIn := now.Add(time.Duration(l.Window.ResetInMs) * time.Millisecond)
			if t.IsZero() || fromIn.Before(t) {
				t = fromIn
			}
		}
		if t.After(now) && (earliest.IsZero() || t.Before(earliest)) {
			earliest = t
		}
	}
	return earliest
}

// removeFromSet drops a row from the in-memory set after a soft-delete and
// invalidates the provider's session and counter state.
func (s *Selector) removeFromSet(provider string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[provider]
	for i, row := range set {
		if row.ID == id {
			s.sets[provider] = append(append([]credential.Stored(nil), set[:i]...), set[i+1:]...)
			delete(s.sessions, provider)
			s.clearCounters(provider)
			return
		}
	}
}

// updateInSet swaps the credential of one in-memory row after a refresh.
func (s *Selector) updateInSet(provider string, id int64, c *credential.OAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[provider]
	for i, row := range set {
		if row.ID == id {
			set[i] = credential.Stored{ID: id, Provider: provider, Credential: c}
			return
		}
	}
}

// probe asks the provider's prober for a usage report. allowed=false means
// the probe limiter denied the request; the prober still runs so a cached
// report can be served, but its HTTP client fails immediately.
func (s *Selector) probe(ctx context.Context, provider string, cred *credential.OAuth, baseURL string, allowed bool) *usage.Report {
	prober := s.probers.Lookup(provider)
	if prober == nil {
		return nil
	}
	params := usage.Params{Provider: provider, Credential: cred, BaseURL: baseURL}
	if sup, ok := prober.(usage.Supporter); ok && !sup.Supports(params) {
		return nil
	}
	client := s.client
	if !allowed {
		client = throttledClient
	}
	deps := usage.Deps{Cache: s.usageCache, Client: client, Clock: s.clock, Logger: s.logger}
	return prober.FetchUsage(ctx, params, deps)
}

var errProbeThrottled = errors.New("usage probe throttled")

type throttledTransport struct{}

func (throttledTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errProbeThrottled
}

var throttledClient = &http.Client{Transport: throttledTransport{}}
