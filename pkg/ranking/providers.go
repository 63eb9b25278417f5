package ranking

import (
	"time"

	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

// AnthropicStrategy ranks Claude accounts by the five-hour window, with the
// weekly window as the long-term ceiling. Max-tier subscriptions get the
// priority boost.
type AnthropicStrategy struct{}

// FindWindowLimits implements Strategy.
func (AnthropicStrategy) FindWindowLimits(r *usage.Report) WindowLimits {
	return limitsByID(r, "five_hour", "seven_day")
}

// HasPriorityBoost implements Strategy.
func (AnthropicStrategy) HasPriorityBoost(primary *usage.Limit) bool {
	return scopeTier(primary) == "max"
}

// WindowDefaults implements Strategy.
func (AnthropicStrategy) WindowDefaults() WindowDefaults {
	return WindowDefaults{Primary: 5 * time.Hour, Secondary: 7 * 24 * time.Hour}
}

// CodexStrategy ranks ChatGPT Codex accounts by the primary rate-limit
// window, with the secondary window as the long-term ceiling. Pro plans get
// the priority boost.
type CodexStrategy struct{}

// FindWindowLimits implements Strategy.
func (CodexStrategy) FindWindowLimits(r *usage.Report) WindowLimits {
	return limitsByID(r, "primary", "secondary")
}

// HasPriorityBoost implements Strategy.
func (CodexStrategy) HasPriorityBoost(primary *usage.Limit) bool {
	return scopeTier(primary) == "pro"
}

// WindowDefaults implements Strategy.
func (CodexStrategy) WindowDefaults() WindowDefaults {
	return WindowDefaults{Primary: 5 * time.Hour, Secondary: 7 * 24 * time.Hour}
}

func limitsByID(r *usage.Report, primaryID, secondaryID string) WindowLimits {
	var out WindowLimits
	if r == nil {
		return out
	}
	for i := range r.Limits {
		switch r.Limits[i].ID {
		case primaryID:
			if out.Primary == nil {
				out.Primary = &r.Limits[i]
			}
		case secondaryID:
			if out.Secondary == nil {
				out.Secondary = &r.Limits[i]
			}
		}
	}
	return out
}

func scopeTier(l *usage.Limit) string {
	if l == nil || l.Scope == nil {
		return ""
	}
	return l.Scope.Tier
}
