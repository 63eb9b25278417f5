// Package credential defines the credential data model shared by the store
// and the selector. A provider may hold several credentials belonging to
// distinct accounts; each is either a plain API key or an OAuth token set.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of a stored credential.
type Type string

const (
	TypeAPIKey Type = "api_key"
	TypeOAuth  Type = "oauth"
)

// Credential is the sum of the credential kinds the toolkit stores.
type Credential interface {
	Type() Type
}

// APIKey is an opaque key string. The value may be a literal key, the name of
// an environment variable, or a "!"-prefixed command whose output is the key;
// resolution happens in the selector through an injected resolver.
type APIKey struct {
	Key string

	// Extra preserves unknown fields through store round-trips.
	Extra map[string]json.RawMessage
}

// Type returns TypeAPIKey.
func (*APIKey) Type() Type { return TypeAPIKey }

// OAuth is a refreshable OAuth token set for one provider account.
type OAuth struct {
	Access  string
	Refresh string
	// Expires is milliseconds since the Unix epoch. Kept integral so stored
	// rows stay compatible across implementations.
	Expires       int64
	AccountID     string
	Email         string
	ProjectID     string
	EnterpriseURL string

	// Extra preserves unknown fields through store round-trips.
	Extra map[string]json.RawMessage
}

// Type returns TypeOAuth.
func (*OAuth) Type() Type { return TypeOAuth }

// ExpiresAt returns the access token expiry as a time.Time.
func (o *OAuth) ExpiresAt() time.Time { return time.UnixMilli(o.Expires) }

// Clone returns a deep copy. Used when updating credentials so concurrent
// readers never observe partial writes.
func (o *OAuth) Clone() *OAuth {
	if o == nil {
		return nil
	}
	clone := *o
	if len(o.Extra) > 0 {
		clone.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			clone.Extra[k] = v
		}
	}
	return &clone
}

// Stored is a credential persisted by the store: the credential plus the
// monotonically increasing row id the store assigned and the provider it
// belongs to. Row ids are stable across restarts and are the handle used for
// in-place updates and soft-delete.
type Stored struct {
	ID         int64
	Provider   string
	Credential Credential
}

// OAuth returns the OAuth credential or nil when this row holds an API key.
func (s Stored) OAuth() *OAuth {
	o, _ := s.Credential.(*OAuth)
	return o
}

// Known data keys for each credential kind. Anything else round-trips through
// the Extra map untouched.
var (
	apiKeyKnownKeys = []string{"key"}
	oauthKnownKeys  = []string{"access", "refresh", "expires", "accountId", "email", "projectId", "enterpriseUrl"}
)

// MarshalData serializes a credential to the JSON object stored in the data
// column. The type tag is not part of the object; it lives in its own column
// and is reattached by UnmarshalData.
func MarshalData(c Credential) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	switch v := c.(type) {
	case *APIKey:
		for k, raw := range v.Extra {
			fields[k] = raw
		}
		setString(fields, "key", v.Key)
	case *OAuth:
		for k, raw := range v.Extra {
			fields[k] = raw
		}
		setString(fields, "access", v.Access)
		setString(fields, "refresh", v.Refresh)
		setInt(fields, "expires", v.Expires)
		setOptString(fields, "accountId", v.AccountID)
		setOptString(fields, "email", v.Email)
		setOptString(fields, "projectId", v.ProjectID)
		setOptString(fields, "enterpriseUrl", v.EnterpriseURL)
	default:
		return nil, fmt.Errorf("unsupported credential type %T", c)
	}

	return json.Marshal(fields)
}

// UnmarshalData parses a stored data object back into a credential of the
// given type. Unknown fields are preserved in Extra. Parsing is lenient:
// missing fields become zero values, but malformed JSON is an error so the
// store can drop the row.
func UnmarshalData(ctype Type, data []byte) (Credential, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed credential data: %w", err)
	}

	switch ctype {
	case TypeAPIKey:
		c := &APIKey{Key: getString(fields, "key")}
		c.Extra = extraFields(fields, apiKeyKnownKeys)
		return c, nil
	case TypeOAuth:
		c := &OAuth{
			Access:        getString(fields, "access"),
			Refresh:       getString(fields, "refresh"),
			Expires:       getInt(fields, "expires"),
			AccountID:     getString(fields, "accountId"),
			Email:         getString(fields, "email"),
			ProjectID:     getString(fields, "projectId"),
			EnterpriseURL: getString(fields, "enterpriseUrl"),
		}
		c.Extra = extraFields(fields, oauthKnownKeys)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", ctype)
	}
}

func extraFields(fields map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	extra := make(map[string]json.RawMessage)
	for k, v := range fields {
		extra[k] = v
	}
	for _, k := range known {
		delete(extra, k)
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func setString(fields map[string]json.RawMessage, key, value string) {
	raw, _ := json.Marshal(value)
	fields[key] = raw
}

func setOptString(fields map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	setString(fields, key, value)
}

func setInt(fields map[string]json.RawMessage, key string, value int64) {
	raw, _ := json.Marshal(value)
	fields[key] = raw
}

func getString(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func getInt(fields map[string]json.RawMessage, key string) int64 {
	raw, ok := fields[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		// Some writers store expires as a float timestamp.
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return 0
		}
		return int64(f)
	}
	return n
}
