package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	data, err := MarshalData(&APIKey{Key: "sk-123"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"sk-123"}`, string(data))

	c, err := UnmarshalData(TypeAPIKey, data)
	require.NoError(t, err)
	assert.Equal(t, "sk-123", c.(*APIKey).Key)
}

func TestOAuthRoundTrip(t *testing.T) {
	in := &OAuth{
		Access:        "at",
		Refresh:       "rt",
		Expires:       1_000_000,
		AccountID:     "acc",
		Email:         "a@x.com",
		ProjectID:     "proj",
		EnterpriseURL: "https://corp.example.com",
	}
	data, err := MarshalData(in)
	require.NoError(t, err)

	c, err := UnmarshalData(TypeOAuth, data)
	require.NoError(t, err)
	out := c.(*OAuth)
	assert.Equal(t, in.Access, out.Access)
	assert.Equal(t, in.Refresh, out.Refresh)
	assert.Equal(t, in.Expires, out.Expires)
	assert.Equal(t, in.AccountID, out.AccountID)
	assert.Equal(t, in.Email, out.Email)
	assert.Equal(t, in.ProjectID, out.ProjectID)
	assert.Equal(t, in.EnterpriseURL, out.EnterpriseURL)
	assert.Nil(t, out.Extra)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	raw := []byte(`{"access":"at","refresh":"rt","expires":5,"scopes":["a","b"],"vendor":{"x":1}}`)
	c, err := UnmarshalData(TypeOAuth, raw)
	require.NoError(t, err)

	o := c.(*OAuth)
	require.Contains(t, o.Extra, "scopes")
	require.Contains(t, o.Extra, "vendor")

	data, err := MarshalData(o)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(data))
}

func TestLenientUnmarshal(t *testing.T) {
	// Missing fields become zero values.
	c, err := UnmarshalData(TypeOAuth, []byte(`{}`))
	require.NoError(t, err)
	o := c.(*OAuth)
	assert.Empty(t, o.Access)
	assert.Zero(t, o.Expires)

	// A float expires timestamp is tolerated.
	c, err = UnmarshalData(TypeOAuth, []byte(`{"expires":1.7e12}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), c.(*OAuth).Expires)

	// Malformed JSON is an error so the store can drop the row.
	_, err = UnmarshalData(TypeOAuth, []byte(`not json`))
	assert.Error(t, err)

	_, err = UnmarshalData(Type("mystery"), []byte(`{}`))
	assert.Error(t, err)
}

func TestOptionalFieldsOmitted(t *testing.T) {
	data, err := MarshalData(&OAuth{Access: "at", Refresh: "rt", Expires: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"access":"at","refresh":"rt","expires":1}`, string(data))
}

func TestExpiresAt(t *testing.T) {
	o := &OAuth{Expires: 1_000_000}
	assert.Equal(t, time.UnixMilli(1_000_000), o.ExpiresAt())
}

func TestClone(t *testing.T) {
	o, err := UnmarshalData(TypeOAuth, []byte(`{"access":"at","custom":1}`))
	require.NoError(t, err)

	orig := o.(*OAuth)
	clone := orig.Clone()
	clone.Access = "changed"
	clone.Extra["custom"] = []byte("2")

	assert.Equal(t, "at", orig.Access)
	assert.Equal(t, "1", string(orig.Extra["custom"]))

	var nilOAuth *OAuth
	assert.Nil(t, nilOAuth.Clone())
}

func TestStoredOAuthHelper(t *testing.T) {
	s := Stored{ID: 1, Provider: "p", Credential: &APIKey{Key: "k"}}
	assert.Nil(t, s.OAuth())

	s = Stored{ID: 2, Provider: "p", Credential: &OAuth{Access: "at"}}
	require.NotNil(t, s.OAuth())
	assert.Equal(t, "at", s.OAuth().Access)
}
