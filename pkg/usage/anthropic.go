package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicUsageURL   = "https://api.anthropic.com/api/oauth/usage"
	anthropicBetaHeader = "oauth-2025-04-20"
)

// anthropicUsageResponse mirrors the Claude OAuth usage endpoint. Utilization
// is a percentage in [0, 100]; resets_at is RFC 3339.
type anthropicUsageResponse struct {
	FiveHour *anthropicWindow `json:"five_hour"`
	SevenDay *anthropicWindow `json:"seven_day"`
	Plan     string           `json:"plan"`
}

type anthropicWindow struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

// AnthropicProber fetches Claude subscription usage for an OAuth credential.
type AnthropicProber struct {
	// BaseURL overrides the usage endpoint when the probe params carry none.
	BaseURL string
}

// FetchUsage implements Prober.
func (p *AnthropicProber) FetchUsage(ctx context.Context, params Params, deps Deps) *Report {
	deps = deps.Normalize()
	if params.Credential == nil || params.Credential.Access == "" {
		return nil
	}

	key := credentialCacheKey("anthropic", params.Credential)
	if r := cachedReport(ctx, deps, key); r != nil {
		return r
	}

	url := params.BaseURL
	if url == "" {
		url = p.BaseURL
	}
	if url == "" {
		url = anthropicUsageURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		deps.Logger.Debug("anthropic usage probe failed", "error", err)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+params.Credential.Access)
	req.Header.Set("anthropic-beta", anthropicBetaHeader)

	body, err := fetchBody(deps.Client, req)
	if err != nil {
		deps.Logger.Debug("anthropic usage probe failed", "error", err)
		return nil
	}

	var parsed anthropicUsageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		deps.Logger.Debug("anthropic usage probe returned malformed body", "error", err)
		return nil
	}

	now := deps.Clock.Now()
	report := &Report{
		Provider:  "anthropic",
		FetchedAt: now,
		Metadata:  map[string]string{},
	}
	if params.Credential.Email != "" {
		report.Metadata["email"] = strings.ToLower(params.Credential.Email)
	}
	if params.Credential.AccountID != "" {
		report.Metadata["accountId"] = params.Credential.AccountID
	}

	tier := strings.ToLower(parsed.Plan)
	report.Limits = appendAnthropicLimit(report.Limits, "five_hour", parsed.FiveHour, 5*time.Hour, now, params.Credential.AccountID, tier)
	report.Limits = appendAnthropicLimit(report.Limits, "seven_day", parsed.SevenDay, 7*24*time.Hour, now, params.Credential.AccountID, tier)
	if len(report.Limits) == 0 {
		return nil
	}

	storeReport(ctx, deps, key, report)
	return report
}

func appendAnthropicLimit(limits []Limit, id string, w *anthropicWindow, duration time.Duration, now time.Time, accountID, tier string) []Limit {
	if w == nil {
		return limits
	}
	l := Limit{
		ID:     id,
		Status: StatusActive,
		Amount: Amount{
			Used:         Float(w.Utilization),
			UsedFraction: Float(w.Utilization / 100),
			Unit:         "percent",
		},
		Window: &Window{DurationMs: duration.Milliseconds()},
	}
	if w.ResetsAt != nil {
		t := *w.ResetsAt
		l.Window.ResetsAt = &t
		l.Window.ResetInMs = max(t.Sub(now).Milliseconds(), 0)
	}
	if accountID != "" || tier != "" {
		l.Scope = &Scope{AccountID: accountID, Tier: tier}
	}
	if l.Exhausted() {
		l.Status = StatusExhausted
	}
	return append(limits, l)
}

// fetchBody performs the request and returns the body of a 200 response.
func fetchBody(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}
