package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	codexTokenURL = "https://auth.openai.com/oauth/token"
	codexClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// Anthropic refreshes Claude OAuth tokens against the Anthropic console
// token endpoint. The endpoint speaks JSON both ways.
type Anthropic struct {
	Base
	client   *http.Client
	TokenURL string
	ClientID string
	// Clock drives expiry computation. Defaults to the real clock.
	Clock clockwork.Clock
}

// NewAnthropic returns the Anthropic refresher.
func NewAnthropic(client *http.Client) *Anthropic {
	return &Anthropic{
		client:   client,
		TokenURL: anthropicTokenURL,
		ClientID: anthropicClientID,
		Clock:    clockwork.NewRealClock(),
	}
}

// Refresh exchanges the refresh token for a new Claude token set.
func (a *Anthropic) Refresh(ctx context.Context, c *credential.OAuth) (*credential.OAuth, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": c.Refresh,
		"client_id":     a.ClientID,
	})
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: "anthropic", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: "anthropic", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tokenResponse(a.client, req, "anthropic")
	if err != nil {
		return nil, err
	}

	out := c.Clone()
	out.Access = resp.AccessToken
	if resp.RefreshToken != "" {
		out.Refresh = resp.RefreshToken
	}
	out.Expires = expiryMillis(a.Clock, resp.ExpiresIn)
	return out, nil
}

// Codex refreshes ChatGPT Codex OAuth tokens. The endpoint takes a form body
// and returns an id_token whose claims carry the account email and id, which
// are folded back into the credential.
type Codex struct {
	Base
	client   *http.Client
	TokenURL string
	ClientID string
	// Clock drives expiry computation. Defaults to the real clock.
	Clock clockwork.Clock
}

// NewCodex returns the OpenAI Codex refresher.
func NewCodex(client *http.Client) *Codex {
	return &Codex{
		client:   client,
		TokenURL: codexTokenURL,
		ClientID: codexClientID,
		Clock:    clockwork.NewRealClock(),
	}
}

// Refresh exchanges the refresh token for a new Codex token set.
func (cx *Codex) Refresh(ctx context.Context, c *credential.OAuth) (*credential.OAuth, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.Refresh},
		"client_id":     {cx.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cx.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: "openai-codex", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tokenResponse(cx.client, req, "openai-codex")
	if err != nil {
		return nil, err
	}

	out := c.Clone()
	out.Access = resp.AccessToken
	if resp.RefreshToken != "" {
		out.Refresh = resp.RefreshToken
	}
	out.Expires = expiryMillis(cx.Clock, resp.ExpiresIn)
	if email, account, ok := credential.TokenClaims(resp.IDToken); ok {
		if out.Email == "" && email != "" {
			out.Email = email
		}
		if out.AccountID == "" && account != "" {
			out.AccountID = account
		}
	}
	return out, nil
}

// Gemini refreshes Google OAuth tokens through the standard Google endpoint
// via the oauth2 package.
type Gemini struct {
	Base
	client   *http.Client
	ClientID string
	// ClientSecret is required by Google's installed-app flow; callers
	// supply it when constructing the registry for Gemini use.
	ClientSecret string
}

// NewGemini returns the Gemini refresher.
func NewGemini(client *http.Client) *Gemini {
	return &Gemini{client: client}
}

// Refresh exchanges the refresh token through Google's token endpoint.
func (g *Gemini) Refresh(ctx context.Context, c *credential.OAuth) (*credential.OAuth, error) {
	conf := &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	if g.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.Refresh})
	tok, err := src.Token()
	if err != nil {
		return nil, &Error{Kind: classifyOAuth2(err), Provider: "google-gemini", Err: err}
	}

	out := c.Clone()
	out.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		out.Refresh = tok.RefreshToken
	}
	out.Expires = tok.Expiry.UnixMilli()
	return out, nil
}

func classifyOAuth2(err error) FailureKind {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return classifyStatus(retrieve.Response.StatusCode, string(retrieve.Body))
	}
	return Classify(err)
}

// tokenBody is the common shape of OAuth token endpoint responses.
type tokenBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func tokenResponse(client *http.Client, req *http.Request, provider string) (*tokenBody, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Provider: provider, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: provider, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, &Error{Kind: classifyStatus(resp.StatusCode, string(body)), Provider: provider, Err: err}
	}

	var tok tokenBody
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: provider, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return nil, &Error{Kind: KindTransient, Provider: provider, Err: errors.New("token response missing access_token")}
	}
	return &tok, nil
}

func expiryMillis(clock clockwork.Clock, expiresIn int64) int64 {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return clock.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
}
