package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl, swr time.Duration) *Cache {
	t.Helper()
	c, err := New(Config{L1Size: 100, TTL: ttl, SWRWindow: swr})
	require.NoError(t, err)
	return c
}

func TestFingerprint_DistinctTenantsDoNotCollide(t *testing.T) {
	a := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	b := Fingerprint{TenantID: "t2", SiteID: "s1", Query: "hours"}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestSetGet_FreshHit(t *testing.T) {
	c := newTestCache(t, time.Minute, 0)
	ctx := context.Background()
	fp := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	val := json.RawMessage(`{"answer":"9-5"}`)

	require.NoError(t, c.Set(ctx, fp, val))

	res, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.False(t, res.Stale)
	assert.JSONEq(t, string(val), string(res.Value))
}

func TestGet_MissForUnknownFingerprint(t *testing.T) {
	c := newTestCache(t, time.Minute, 0)
	res, err := c.Get(context.Background(), Fingerprint{TenantID: "t1", Query: "nope"})
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestGet_StaleWithinSWRWindow(t *testing.T) {
	c := newTestCache(t, 10*time.Millisecond, 200*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	require.NoError(t, c.Set(ctx, fp, json.RawMessage(`{"a":1}`)))

	time.Sleep(30 * time.Millisecond)

	res, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.True(t, res.Stale)
}

func TestGet_MissPastSWRWindow(t *testing.T) {
	c := newTestCache(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	require.NoError(t, c.Set(ctx, fp, json.RawMessage(`{"a":1}`)))

	time.Sleep(40 * time.Millisecond)

	res, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestInvalidate_RemovesSiteScopedEntries(t *testing.T) {
	c := newTestCache(t, time.Minute, 0)
	ctx := context.Background()
	fp1 := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	fp2 := Fingerprint{TenantID: "t1", SiteID: "s2", Query: "hours"}
	require.NoError(t, c.Set(ctx, fp1, json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Set(ctx, fp2, json.RawMessage(`{"a":2}`)))

	require.NoError(t, c.Invalidate(ctx, Tag{TenantID: "t1", SiteID: "s1"}))

	res1, err := c.Get(ctx, fp1)
	require.NoError(t, err)
	assert.False(t, res1.Hit)

	res2, err := c.Get(ctx, fp2)
	require.NoError(t, err)
	assert.True(t, res2.Hit, "invalidating one site must not evict another site's entries")
}

func TestInvalidate_WholeTenantScope(t *testing.T) {
	c := newTestCache(t, time.Minute, 0)
	ctx := context.Background()
	fp1 := Fingerprint{TenantID: "t1", SiteID: "s1", Query: "hours"}
	fp2 := Fingerprint{TenantID: "t1", SiteID: "s2", Query: "hours"}
	require.NoError(t, c.Set(ctx, fp1, json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Set(ctx, fp2, json.RawMessage(`{"a":2}`)))

	require.NoError(t, c.Invalidate(ctx, Tag{TenantID: "t1"}))

	res1, _ := c.Get(ctx, fp1)
	res2, _ := c.Get(ctx, fp2)
	assert.False(t, res1.Hit)
	assert.False(t, res2.Hit)
}

func TestClose_NoopWithoutRedis(t *testing.T) {
	c := newTestCache(t, time.Minute, 0)
	assert.NoError(t, c.Close())
}
