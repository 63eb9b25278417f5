package credential

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Identifier prefixes. Email identifiers are lowercased; account identifiers
// are kept as-is.
const (
	emailPrefix   = "email:"
	accountPrefix = "account:"
)

// Codex issues per-email ChatGPT sessions whose `sub` can differ across
// refreshes, and Anthropic tokens behave the same way, so only email
// identifiers are stable enough to dedupe on for these providers.
var emailOnlyProviders = map[string]bool{
	"openai-codex": true,
	"anthropic":    true,
}

// EmailOnlyDedup reports whether the provider restricts deduplication to
// email identifiers.
func EmailOnlyDedup(provider string) bool { return emailOnlyProviders[provider] }

// Identifiers derives the canonical identifiers of the account behind an
// OAuth credential. Sources in order: explicit credential fields, then the
// access token's JWT claims, then the refresh token's. Decoding errors yield
// no identifiers for that source.
func Identifiers(o *OAuth) []string {
	if o == nil {
		return nil
	}

	var ids []string
	if o.AccountID != "" {
		ids = append(ids, accountPrefix+o.AccountID)
	}
	if o.Email != "" {
		ids = append(ids, emailPrefix+strings.ToLower(o.Email))
	}
	if len(ids) > 0 {
		return ids
	}

	if ids = tokenIdentifiers(o.Access); len(ids) > 0 {
		return ids
	}
	return tokenIdentifiers(o.Refresh)
}

// DedupIdentifiers returns the identifiers that count toward deduplication
// for the given provider.
func DedupIdentifiers(provider string, o *OAuth) []string {
	ids := Identifiers(o)
	if !EmailOnlyDedup(provider) {
		return ids
	}
	var emails []string
	for _, id := range ids {
		if strings.HasPrefix(id, emailPrefix) {
			emails = append(emails, id)
		}
	}
	return emails
}

// TokenClaims decodes the email and account claims of a JWT without
// validating the signature. Used by refreshers to enrich credentials from an
// id_token. ok is false when the token is not a parseable three-segment JWT.
func TokenClaims(token string) (email, account string, ok bool) {
	claims, ok := decodeJWTClaims(token)
	if !ok {
		return "", "", false
	}
	return claims.Email, claims.account(), true
}

type jwtClaims struct {
	Email     string `json:"email"`
	AccountID string `json:"account_id"`
	AccountId string `json:"accountId"`
	UserID    string `json:"user_id"`
	Sub       string `json:"sub"`
}

func (c jwtClaims) account() string {
	for _, v := range []string{c.AccountID, c.AccountId, c.UserID, c.Sub} {
		if v != "" {
			return v
		}
	}
	return ""
}

func tokenIdentifiers(token string) []string {
	claims, ok := decodeJWTClaims(token)
	if !ok {
		return nil
	}
	var ids []string
	if claims.Email != "" {
		ids = append(ids, emailPrefix+strings.ToLower(claims.Email))
	}
	if acct := claims.account(); acct != "" {
		ids = append(ids, accountPrefix+acct)
	}
	return ids
}

// decodeJWTClaims base64url-decodes and parses the payload segment of a
// three-segment JWT. It never validates the signature; the token only needs
// to be inspected, not trusted.
func decodeJWTClaims(token string) (jwtClaims, bool) {
	var claims jwtClaims

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return claims, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return claims, false
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, false
	}
	return claims, true
}
