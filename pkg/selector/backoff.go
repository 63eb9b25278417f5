package selector

import (
	"hash/fnv"
	"time"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// transientBackoff is applied after a transient refresh failure.
const transientBackoff = 5 * time.Minute

// defaultBlockDuration is used when nothing reveals when a limit resets.
const defaultBlockDuration = time.Minute

// markCredentialBlocked records a backoff for a credential. The effective
// block end is monotonic: a later mark never shortens an earlier one. Caller
// holds the mutex.
func (s *Selector) markCredentialBlocked(provider string, ctype credential.Type, id int64, until time.Time) {
	key := rrKey(provider, ctype)
	table := s.backoff[key]
	if table == nil {
		table = make(map[int64]time.Time)
		s.backoff[key] = table
	}
	if existing, ok := table[id]; ok && existing.After(until) {
		return
	}
	table[id] = until
}

// blockedUntil returns the active block end for a credential, purging the
// entry lazily when expired. Caller holds the mutex.
func (s *Selector) blockedUntil(provider string, ctype credential.Type, id int64) (time.Time, bool) {
	key := rrKey(provider, ctype)
	table := s.backoff[key]
	until, ok := table[id]
	if !ok {
		return time.Time{}, false
	}
	if !until.After(s.clock.Now()) {
		delete(table, id)
		return time.Time{}, false
	}
	return until, true
}

// sessionHash maps a sessionId onto a starting index with FNV-1a 32-bit.
func sessionHash(sessionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}

// startIndex computes the traversal starting index: the session hash when a
// sessionId is present, else the advancing round-robin counter. Caller holds
// the mutex.
func (s *Selector) startIndex(provider string, ctype credential.Type, sessionID string, n int) int {
	if sessionID != "" {
		return sessionHash(sessionID, n)
	}
	key := rrKey(provider, ctype)
	c := s.rr[key]
	s.rr[key] = c + 1
	return c % n
}

// traversal returns all indices starting at start, wrapping.
func traversal(start, n int) []int {
	order := make([]int, n)
	for i := 0; i < n; i++ {
		order[i] = (start + i) % n
	}
	return order
}

// recordAssignment pins a session to a credential. Caller holds the mutex.
func (s *Selector) recordAssignment(provider, sessionID string, ctype credential.Type, index int) {
	if sessionID == "" {
		return
	}
	table := s.sessions[provider]
	if table == nil {
		table = make(map[string]assignment)
		s.sessions[provider] = table
	}
	table[sessionID] = assignment{ctype: ctype, index: index}
}

// sessionAssignment looks up a session's pinned credential of the given
// type. Stale indices are treated as absent. Caller holds the mutex.
func (s *Selector) sessionAssignment(provider, sessionID string, ctype credential.Type, n int) (int, bool) {
	if sessionID == "" {
		return 0, false
	}
	a, ok := s.sessions[provider][sessionID]
	if !ok || a.ctype != ctype || a.index < 0 || a.index >= n {
		return 0, false
	}
	return a.index, true
}
