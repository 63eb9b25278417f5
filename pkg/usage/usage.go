// Package usage normalizes provider quota state into reports the selector
// can rank on. Each provider registers a Prober that queries its usage
// endpoint; probe results are TTL-cached and never fail loudly.
package usage

import "time"

// Limit statuses.
const (
	StatusActive    = "active"
	StatusExhausted = "exhausted"
)

// Amount describes how much of a limit is consumed. All numeric fields are
// optional; probers set whichever the provider reports.
type Amount struct {
	Used              *float64 `json:"used,omitempty"`
	Limit             *float64 `json:"limit,omitempty"`
	Remaining         *float64 `json:"remaining,omitempty"`
	UsedFraction      *float64 `json:"usedFraction,omitempty"`
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	Unit              string   `json:"unit,omitempty"`
}

// Window is the time window a limit applies over.
type Window struct {
	DurationMs int64      `json:"durationMs,omitempty"`
	ResetInMs  int64      `json:"resetInMs,omitempty"`
	ResetsAt   *time.Time `json:"resetsAt,omitempty"`
}

// Scope ties a limit to an account and, when the provider exposes it, a
// subscription tier. Ranking strategies use the tier for priority boosts.
type Scope struct {
	AccountID string `json:"accountId,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

// Limit is one normalized quota limit.
type Limit struct {
	ID     string  `json:"id"`
	Status string  `json:"status,omitempty"`
	Amount Amount  `json:"amount"`
	Window *Window `json:"window,omitempty"`
	Scope  *Scope  `json:"scope,omitempty"`
}

// Exhausted reports whether the limit is used up. A limit is exhausted when
// its status says so, or when any amount field proves it: usedFraction >= 1,
// remainingFraction <= 0, used >= limit, remaining <= 0, or a percent unit
// with used >= 100.
func (l Limit) Exhausted() bool {
	if l.Status == StatusExhausted {
		return true
	}
	a := l.Amount
	if a.UsedFraction != nil && *a.UsedFraction >= 1 {
		return true
	}
	if a.RemainingFraction != nil && *a.RemainingFraction <= 0 {
		return true
	}
	if a.Used != nil && a.Limit != nil && *a.Used >= *a.Limit {
		return true
	}
	if a.Remaining != nil && *a.Remaining <= 0 {
		return true
	}
	if a.Unit == "percent" && a.Used != nil && *a.Used >= 100 {
		return true
	}
	return false
}

// Report is a snapshot of one credential's quota state. Metadata carries
// free-form identity strings (email, accountId, account, user, username)
// used to merge reports for the same underlying account.
type Report struct {
	Provider  string            `json:"provider"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Limits    []Limit           `json:"limits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExhaustedLimits returns the subset of limits that are exhausted.
func (r *Report) ExhaustedLimits() []Limit {
	var out []Limit
	for _, l := range r.Limits {
		if l.Exhausted() {
			out = append(out, l)
		}
	}
	return out
}

// Float returns a pointer to v. Probers use it to populate optional Amount
// fields.
func Float(v float64) *float64 { return &v }
