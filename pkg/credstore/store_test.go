package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

func openTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.db")
	s, err := Open(path, Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReplaceAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	ids, err := s.ReplaceForProvider(ctx, "anthropic", []credential.Credential{
		&credential.APIKey{Key: "sk-a"},
		&credential.OAuth{Access: "at", Refresh: "rt", Expires: 42, Email: "a@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Greater(t, ids[1], ids[0])

	list, err := s.List(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, "anthropic", list[0].Provider)

	key, ok := list[0].Credential.(*credential.APIKey)
	require.True(t, ok)
	assert.Equal(t, "sk-a", key.Key)

	oauth := list[1].OAuth()
	require.NotNil(t, oauth)
	assert.Equal(t, "at", oauth.Access)
	assert.Equal(t, int64(42), oauth.Expires)
	assert.Equal(t, "a@example.com", oauth.Email)
}

func TestReplaceDisablesPrevious(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	_, err := s.ReplaceForProvider(ctx, "openai", []credential.Credential{
		&credential.APIKey{Key: "old"},
	})
	require.NoError(t, err)

	ids, err := s.ReplaceForProvider(ctx, "openai", []credential.Credential{
		&credential.APIKey{Key: "new"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	list, err := s.List(ctx, "openai")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Credential.(*credential.APIKey).Key)
}

func TestListAllProviders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	_, err := s.ReplaceForProvider(ctx, "anthropic", []credential.Credential{&credential.APIKey{Key: "a"}})
	require.NoError(t, err)
	_, err = s.ReplaceForProvider(ctx, "openai", []credential.Credential{&credential.APIKey{Key: "b"}})
	require.NoError(t, err)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	ids, err := s.ReplaceForProvider(ctx, "anthropic", []credential.Credential{
		&credential.OAuth{Access: "old", Refresh: "rt", Expires: 1},
	})
	require.NoError(t, err)

	err = s.Update(ctx, ids[0], &credential.OAuth{Access: "new", Refresh: "rt2", Expires: 2})
	require.NoError(t, err)

	list, err := s.List(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, "new", list[0].OAuth().Access)
	assert.Equal(t, "rt2", list[0].OAuth().Refresh)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	ids, err := s.ReplaceForProvider(ctx, "anthropic", []credential.Credential{
		&credential.APIKey{Key: "a"},
		&credential.APIKey{Key: "b"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ids[0]))

	list, err := s.List(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)

	require.NoError(t, s.DeleteForProvider(ctx, "anthropic"))
	list, err = s.List(ctx, "anthropic")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMalformedRowsDropped(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	_, err := s.db.Exec(
		`INSERT INTO auth_credentials (provider, credential_type, data, disabled, created_at, updated_at)
		 VALUES ('anthropic', 'api_key', 'not json', 0, 0, 0)`)
	require.NoError(t, err)
	_, err = s.ReplaceForProvider(ctx, "openai", []credential.Credential{&credential.APIKey{Key: "ok"}})
	require.NoError(t, err)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "openai", list[0].Provider)
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	_, err := s.db.Exec(
		`INSERT INTO auth_credentials (provider, credential_type, data, disabled, created_at, updated_at)
		 VALUES ('anthropic', 'oauth', '{"access":"at","refresh":"rt","expires":5,"custom":{"nested":true}}', 0, 0, 0)`)
	require.NoError(t, err)

	list, err := s.List(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, list, 1)

	oauth := list[0].OAuth()
	require.NotNil(t, oauth)
	require.Contains(t, oauth.Extra, "custom")

	require.NoError(t, s.Update(ctx, list[0].ID, oauth))
	list, err = s.List(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"nested":true}`, string(list[0].OAuth().Extra["custom"]))
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	s := openTestStore(t, clock)

	require.NoError(t, s.SetCache(ctx, "k", "v", time.Minute))

	v, ok, err := s.GetCache(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(time.Minute)
	_, ok, err = s.GetCache(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CleanExpiredCache(ctx))
	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&count))
	assert.Zero(t, count)
}

func TestCacheUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	require.NoError(t, s.SetCache(ctx, "k", "v1", time.Minute))
	require.NoError(t, s.SetCache(ctx, "k", "v2", time.Minute))

	v, ok, err := s.GetCache(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestMigrationAddsDisabledColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)

	_, err = s.db.Exec(`ALTER TABLE auth_credentials DROP COLUMN disabled`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.ReplaceForProvider(context.Background(), "anthropic", []credential.Credential{
		&credential.APIKey{Key: "a"},
	})
	require.NoError(t, err)
}
