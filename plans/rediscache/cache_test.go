// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package rediscache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/square/llmquota"
)

var ctx = context.Background()

func setUp(t *testing.T) (*miniredis.Miniredis, *PlanCache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewPlanCache(client)
}

func TestPutAndGet(t *testing.T) {
	mr, c := setUp(t)

	plan := &llmquota.UsagePlan{
		EntityID:         "alice",
		EntityType:       llmquota.EntityUser,
		TenantID:         "t1",
		ModelPermissions: []string{"m1"},
		DefaultLimits:    llmquota.RateLimits{InputTokensPerMinute: 1000, OutputTokensPerMinute: 500, RequestsPerMinute: 60},
		ModelLimits:      map[string]llmquota.RateLimits{"m1": {RequestsPerMinute: 5}},
		Active:           true}
	require.NoError(t, c.Put(ctx, plan, time.Hour))

	require.True(t, mr.Exists("plan:USER:alice"))
	require.Equal(t, time.Hour, mr.TTL("plan:USER:alice"))

	got, ok := c.Get(ctx, "alice", llmquota.EntityUser)
	require.True(t, ok)
	require.Equal(t, plan.DefaultLimits, got.DefaultLimits)
	require.Equal(t, int64(5), got.LimitsFor("m1").RequestsPerMinute)
	require.True(t, got.Permits("m1"))
	require.False(t, got.Permits("m2"))

	mr.FastForward(time.Hour)
	_, ok = c.Get(ctx, "alice", llmquota.EntityUser)
	require.False(t, ok)
}

func TestDefaultTTL(t *testing.T) {
	mr, c := setUp(t)
	require.NoError(t, c.Put(ctx, &llmquota.UsagePlan{EntityID: "svc", EntityType: llmquota.EntityService}, 0))
	require.Equal(t, 24*time.Hour, mr.TTL("plan:SERVICE:svc"))
}

func TestAPIKeysAreHashed(t *testing.T) {
	mr, c := setUp(t)
	raw := "sk-live-123"

	require.NoError(t, c.Put(ctx, &llmquota.UsagePlan{EntityID: raw, EntityType: llmquota.EntityAPIKey}, time.Hour))

	for _, k := range mr.Keys() {
		require.False(t, strings.Contains(k, raw), "raw key in cache key %v", k)
		v, _ := mr.Get(k)
		require.False(t, strings.Contains(v, raw), "raw key in cached value %v", v)
	}

	_, ok := c.Get(ctx, raw, llmquota.EntityAPIKey)
	require.True(t, ok)
}

func TestFailuresAreMisses(t *testing.T) {
	mr, c := setUp(t)
	require.NoError(t, mr.Set("plan:USER:bob", "{not json"))

	_, ok := c.Get(ctx, "bob", llmquota.EntityUser)
	require.False(t, ok)

	mr.Close()
	_, ok = c.Get(ctx, "bob", llmquota.EntityUser)
	require.False(t, ok)
	require.Error(t, c.Put(ctx, &llmquota.UsagePlan{EntityID: "bob", EntityType: llmquota.EntityUser}, time.Hour))
}
