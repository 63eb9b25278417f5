package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const codexUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// codexUsageResponse mirrors the ChatGPT wham usage endpoint. The endpoint
// has shipped under several key spellings, so both forms of each field are
// accepted.
type codexUsageResponse struct {
	RateLimit  *codexRateLimit `json:"rate_limit"`
	RateLimits *codexRateLimit `json:"rate_limits"`
	PlanType   string          `json:"plan_type"`
	Email      string          `json:"email"`
	AccountID  string          `json:"account_id"`
}

func (r *codexUsageResponse) rateLimit() *codexRateLimit {
	if r.RateLimit != nil {
		return r.RateLimit
	}
	return r.RateLimits
}

type codexRateLimit struct {
	PrimaryWindow   *codexWindow `json:"primary_window"`
	Primary         *codexWindow `json:"primary"`
	SecondaryWindow *codexWindow `json:"secondary_window"`
	Secondary       *codexWindow `json:"secondary"`
}

func (r *codexRateLimit) primary() *codexWindow {
	if r.PrimaryWindow != nil {
		return r.PrimaryWindow
	}
	return r.Primary
}

func (r *codexRateLimit) secondary() *codexWindow {
	if r.SecondaryWindow != nil {
		return r.SecondaryWindow
	}
	return r.Secondary
}

type codexWindow struct {
	UsedPercent        float64 `json:"used_percent"`
	LimitWindowSeconds int64   `json:"limit_window_seconds"`
	ResetAfterSeconds  int64   `json:"reset_after_seconds"`
	ResetAt            int64   `json:"reset_at"`
	ResetTimestamp     int64   `json:"reset_timestamp"`
}

func (w *codexWindow) resetsAt() int64 {
	if w.ResetAt != 0 {
		return w.ResetAt
	}
	return w.ResetTimestamp
}

// CodexProber fetches ChatGPT Codex usage for an OAuth credential.
type CodexProber struct {
	// BaseURL overrides the usage endpoint when the probe params carry none.
	BaseURL string
}

// FetchUsage implements Prober.
func (p *CodexProber) FetchUsage(ctx context.Context, params Params, deps Deps) *Report {
	deps = deps.Normalize()
	if params.Credential == nil || params.Credential.Access == "" {
		return nil
	}

	key := credentialCacheKey("openai-codex", params.Credential)
	if r := cachedReport(ctx, deps, key); r != nil {
		return r
	}

	url := params.BaseURL
	if url == "" {
		url = p.BaseURL
	}
	if url == "" {
		url = codexUsageURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		deps.Logger.Debug("codex usage probe failed", "error", err)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+params.Credential.Access)
	if params.Credential.AccountID != "" {
		req.Header.Set("chatgpt-account-id", params.Credential.AccountID)
	}

	body, err := fetchBody(deps.Client, req)
	if err != nil {
		deps.Logger.Debug("codex usage probe failed", "error", err)
		return nil
	}

	var parsed codexUsageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		deps.Logger.Debug("codex usage probe returned malformed body", "error", err)
		return nil
	}
	rl := parsed.rateLimit()
	if rl == nil {
		return nil
	}

	now := deps.Clock.Now()
	accountID := parsed.AccountID
	if accountID == "" {
		accountID = params.Credential.AccountID
	}
	email := parsed.Email
	if email == "" {
		email = params.Credential.Email
	}

	report := &Report{
		Provider:  "openai-codex",
		FetchedAt: now,
		Metadata:  map[string]string{},
	}
	if email != "" {
		report.Metadata["email"] = strings.ToLower(email)
	}
	if accountID != "" {
		report.Metadata["accountId"] = accountID
	}

	tier := strings.ToLower(parsed.PlanType)
	report.Limits = appendCodexLimit(report.Limits, "primary", rl.primary(), now, accountID, tier)
	report.Limits = appendCodexLimit(report.Limits, "secondary", rl.secondary(), now, accountID, tier)
	if len(report.Limits) == 0 {
		return nil
	}

	storeReport(ctx, deps, key, report)
	return report
}

func appendCodexLimit(limits []Limit, id string, w *codexWindow, now time.Time, accountID, tier string) []Limit {
	if w == nil {
		return limits
	}
	l := Limit{
		ID:     id,
		Status: StatusActive,
		Amount: Amount{
			Used:         Float(w.UsedPercent),
			UsedFraction: Float(w.UsedPercent / 100),
			Unit:         "percent",
		},
		Window: &Window{DurationMs: w.LimitWindowSeconds * 1000},
	}
	if w.ResetAfterSeconds > 0 {
		l.Window.ResetInMs = w.ResetAfterSeconds * 1000
	}
	if ts := w.resetsAt(); ts > 0 {
		t := time.Unix(ts, 0)
		l.Window.ResetsAt = &t
		if l.Window.ResetInMs == 0 {
			l.Window.ResetInMs = max(t.Sub(now).Milliseconds(), 0)
		}
	}
	if accountID != "" || tier != "" {
		l.Scope = &Scope{AccountID: accountID, Tier: tier}
	}
	if l.Exhausted() {
		l.Status = StatusExhausted
	}
	return append(limits, l)
}
