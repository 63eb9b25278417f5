package selector

import (
	"context"
	"time"
)

// LimitOptions tunes MarkUsageLimitReached.
type LimitOptions struct {
	// RetryAfter is the backoff the rate-limit response suggested. Defaults
	// to one minute.
	RetryAfter time.Duration
	BaseURL    string
}

// MarkUsageLimitReached records an observed rate limit (a 429) against the
// credential pinned to the session. For OAuth credentials a usage probe may
// extend the block to the provider's actual reset time; the later of the two
// wins. It returns whether another credential of the same type remains
// unblocked, so the caller can decide to retry immediately. Without a
// resolvable session assignment nothing is marked and false is returned.
func (s *Selector) MarkUsageLimitReached(ctx context.Context, provider, sessionID string, opts ...LimitOptions) bool {
	var opt LimitOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	s.mu.Lock()
	a, ok := s.sessions[provider][sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	creds := typed(s.sets[provider], a.ctype)
	if a.index < 0 || a.index >= len(creds) {
		s.mu.Unlock()
		return false
	}
	row := creds[a.index]
	s.mu.Unlock()

	retryAfter := opt.RetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultBlockDuration
	}
	until := s.clock.Now().Add(retryAfter)

	if oauth := row.OAuth(); oauth != nil {
		if report := s.probe(ctx, provider, oauth.Clone(), opt.BaseURL, true); report != nil {
			if reset := resetFromReport(report, s.clock.Now()); reset.After(until) {
				until = reset
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCredentialBlocked(provider, a.ctype, row.ID, until)
	for _, sibling := range creds {
		if sibling.ID == row.ID {
			continue
		}
		if _, blocked := s.blockedUntil(provider, a.ctype, sibling.ID); !blocked {
			return true
		}
	}
	return false
}
