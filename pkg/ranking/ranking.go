// Package ranking scores OAuth credentials from usage reports so the
// selector can prefer the account with the most headroom. Each provider
// registers a Strategy; providers without one fall back to plain selection.
package ranking

import (
	"math"
	"sync"
	"time"

	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

// WindowLimits are the limits a strategy identified as the short-term and
// long-term ceilings of a report. Either may be nil.
type WindowLimits struct {
	Primary   *usage.Limit
	Secondary *usage.Limit
}

// WindowDefaults are fallback window durations used when a report omits
// window.durationMs.
type WindowDefaults struct {
	Primary   time.Duration
	Secondary time.Duration
}

// Strategy is the per-provider ranking plugin.
type Strategy interface {
	// FindWindowLimits picks the short-term and long-term limits out of a
	// report.
	FindWindowLimits(r *usage.Report) WindowLimits
	// HasPriorityBoost reports whether the account is in a preferred state
	// that outranks all non-boosted accounts regardless of drain.
	HasPriorityBoost(primary *usage.Limit) bool
	// WindowDefaults returns the fallback window durations.
	WindowDefaults() WindowDefaults
}

// Registry maps provider ids to strategies. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register installs or replaces the strategy for a provider.
func (r *Registry) Register(provider string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[provider] = s
}

// Lookup returns the strategy for a provider, or nil.
func (r *Registry) Lookup(provider string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[provider]
}

// DefaultRegistry returns a registry with the built-in strategies installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("anthropic", AnthropicStrategy{})
	r.Register("openai-codex", CodexStrategy{})
	return r
}

// UsedFraction resolves a limit's used fraction from whichever amount fields
// are present: usedFraction, used/limit, percent used/100, or
// 1 - remainingFraction. A nil limit or an undeterminable amount is 0.
func UsedFraction(l *usage.Limit) float64 {
	if l == nil {
		return 0
	}
	a := l.Amount
	if a.UsedFraction != nil {
		return *a.UsedFraction
	}
	if a.Used != nil && a.Limit != nil && *a.Limit > 0 {
		return *a.Used / *a.Limit
	}
	if a.Unit == "percent" && a.Used != nil {
		return *a.Used / 100
	}
	if a.RemainingFraction != nil {
		return 1 - *a.RemainingFraction
	}
	return 0
}

// DrainRate estimates how fast a limit's quota is being consumed: used
// fraction divided by elapsed hours within the window. When the elapsed time
// cannot be determined the used fraction itself is returned, so a fresher
// window never looks cheaper than an idle one.
func DrainRate(l *usage.Limit, now time.Time, defaultWindow time.Duration) float64 {
	used := UsedFraction(l)
	if l == nil {
		return used
	}

	durationMs := defaultWindow.Milliseconds()
	if l.Window != nil && l.Window.DurationMs > 0 {
		durationMs = l.Window.DurationMs
	}
	if durationMs <= 0 {
		return used
	}

	resetInMs, ok := resolveResetIn(l, now)
	if !ok {
		return used
	}

	elapsedMs := durationMs - resetInMs
	if elapsedMs < 0 {
		elapsedMs = 0
	} else if elapsedMs > durationMs {
		elapsedMs = durationMs
	}

	hours := float64(elapsedMs) / float64(time.Hour.Milliseconds())
	if hours <= 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return used
	}
	return used / hours
}

func resolveResetIn(l *usage.Limit, now time.Time) (int64, bool) {
	if l.Window == nil {
		return 0, false
	}
	if l.Window.ResetInMs > 0 {
		return l.Window.ResetInMs, true
	}
	if l.Window.ResetsAt != nil {
		return l.Window.ResetsAt.Sub(now).Milliseconds(), true
	}
	return 0, false
}
