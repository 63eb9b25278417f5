package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

func TestMarkUsageLimitReachedBlocksAssignedCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.insert(t, "testprov", apiKey("key-a"))
	kb := h.store.insert(t, "testprov", apiKey("key-b"))
	h.store.insert(t, "testprov", apiKey("key-c"))
	h.reload(t)

	// Pin session "abc" to key-b (FNV-1a hash index 1).
	key, err := h.sel.GetAPIKey(ctx, "testprov", "abc")
	require.NoError(t, err)
	require.Equal(t, "key-b", key)

	available := h.sel.MarkUsageLimitReached(ctx, "testprov", "abc", LimitOptions{RetryAfter: 30 * time.Second})
	assert.True(t, available, "siblings remain unblocked")

	h.sel.mu.Lock()
	until, blocked := h.sel.blockedUntil("testprov", credential.TypeAPIKey, kb)
	h.sel.mu.Unlock()
	require.True(t, blocked)
	assert.Equal(t, testNow.Add(30*time.Second), until)

	// The pinned credential being blocked, the session moves on.
	key, err = h.sel.GetAPIKey(ctx, "testprov", "abc")
	require.NoError(t, err)
	assert.NotEqual(t, "key-b", key)
}

func TestMarkUsageLimitReachedWithoutAssignment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.insert(t, "testprov", apiKey("key-a"))
	h.reload(t)

	assert.False(t, h.sel.MarkUsageLimitReached(ctx, "testprov", "never-seen"))
	assert.False(t, h.sel.MarkUsageLimitReached(ctx, "testprov", ""))

	h.sel.mu.Lock()
	_, blocked := h.sel.blockedUntil("testprov", credential.TypeAPIKey, 1)
	h.sel.mu.Unlock()
	assert.False(t, blocked, "nothing is marked without an assignment")
}

func TestMarkUsageLimitReachedPrefersProbeReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	future := testNow.Add(time.Hour)
	o1 := h.store.insert(t, "testprov", oauthCred("at1", "rt1", future))
	h.reload(t)

	// Pin a session to the single OAuth credential.
	_, err := h.sel.GetAPIKey(ctx, "testprov", "sess")
	require.NoError(t, err)

	resetsAt := testNow.Add(120 * time.Second)
	h.prober.reports["at1"] = reportWith(usage.Limit{
		ID:     "primary",
		Amount: usage.Amount{UsedFraction: usage.Float(1.0)},
		Window: &usage.Window{ResetsAt: &resetsAt},
	})

	available := h.sel.MarkUsageLimitReached(ctx, "testprov", "sess", LimitOptions{RetryAfter: 60 * time.Second})
	assert.False(t, available, "no sibling exists")

	h.sel.mu.Lock()
	until, blocked := h.sel.blockedUntil("testprov", credential.TypeOAuth, o1)
	h.sel.mu.Unlock()
	require.True(t, blocked)
	assert.Equal(t, resetsAt, until, "the probe's later reset wins over retryAfter")
}

func TestMarkUsageLimitReachedKeepsLongerRetryAfter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	o1 := h.store.insert(t, "testprov", oauthCred("at1", "rt1", testNow.Add(time.Hour)))
	h.reload(t)

	_, err := h.sel.GetAPIKey(ctx, "testprov", "sess")
	require.NoError(t, err)

	resetsAt := testNow.Add(10 * time.Second)
	h.prober.reports["at1"] = reportWith(usage.Limit{
		ID:     "primary",
		Amount: usage.Amount{UsedFraction: usage.Float(1.0)},
		Window: &usage.Window{ResetsAt: &resetsAt},
	})

	h.sel.MarkUsageLimitReached(ctx, "testprov", "sess", LimitOptions{RetryAfter: 5 * time.Minute})

	h.sel.mu.Lock()
	until, _ := h.sel.blockedUntil("testprov", credential.TypeOAuth, o1)
	h.sel.mu.Unlock()
	assert.Equal(t, testNow.Add(5*time.Minute), until, "the caller's longer backoff is kept")
}

func TestFetchUsageReportsMergesAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.insert(t, "testprov", &credential.OAuth{
		Access: "at1", Refresh: "r1", Email: "a@x.com",
		Expires: testNow.Add(time.Hour).UnixMilli(),
	})
	h.store.insert(t, "testprov", &credential.OAuth{
		Access: "at2", Refresh: "r2", Email: "b@x.com",
		Expires: testNow.Add(time.Hour).UnixMilli(),
	})
	h.reload(t)

	h.prober.reports["at1"] = &usage.Report{
		Provider:  "testprov",
		FetchedAt: testNow,
		Limits:    []usage.Limit{{ID: "primary"}},
		Metadata:  map[string]string{"email": "a@x.com"},
	}
	h.prober.reports["at2"] = &usage.Report{
		Provider:  "testprov",
		FetchedAt: testNow,
		Limits:    []usage.Limit{{ID: "primary"}, {ID: "secondary"}},
		Metadata:  map[string]string{"email": "a@x.com", "accountId": "acc-1"},
	}

	reports := h.sel.FetchUsageReports(ctx)
	require.Len(t, reports, 1, "two credentials for one account merge into one report")
	assert.Len(t, reports[0].Limits, 2)
	assert.Equal(t, "acc-1", reports[0].Metadata["accountId"])
}

func TestFetchUsageReportsEmpty(t *testing.T) {
	h := newHarness(t, nil)
	assert.Nil(t, h.sel.FetchUsageReports(context.Background()))
}
