// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package memory

import (
	"context"
	"strings"
	"testing"

	r "github.com/stretchr/testify/require"

	"github.com/square/llmquota"
)

var ctx = context.Background()

func TestCreateAndGet(t *testing.T) {
	require := r.New(t)
	s := NewPlanStore()

	plan := &llmquota.UsagePlan{
		EntityID:      "alice",
		EntityType:    llmquota.EntityUser,
		TenantID:      "t1",
		DefaultLimits: llmquota.RateLimits{InputTokensPerMinute: 1000, OutputTokensPerMinute: 500, RequestsPerMinute: 60},
		ModelLimits:   map[string]llmquota.RateLimits{"m1": {InputTokensPerMinute: 10}},
		Active:        true}
	require.NoError(s.CreatePlan(ctx, plan))

	got, err := s.GetPlan(ctx, "alice", llmquota.EntityUser)
	require.NoError(err)
	require.Equal("t1", got.TenantID)
	require.Equal([]string{llmquota.WildcardModel}, got.ModelPermissions)
	require.Equal(int64(10), got.LimitsFor("m1").InputTokensPerMinute)

	// Returned plans are copies.
	got.ModelLimits["m1"] = llmquota.RateLimits{}
	again, _ := s.GetPlan(ctx, "alice", llmquota.EntityUser)
	require.Equal(int64(10), again.LimitsFor("m1").InputTokensPerMinute)

	_, err = s.GetPlan(ctx, "alice", llmquota.EntityService)
	require.True(llmquota.IsNotFound(err))
}

func TestDuplicate(t *testing.T) {
	require := r.New(t)
	s := NewPlanStore()

	plan := &llmquota.UsagePlan{EntityID: "svc", EntityType: llmquota.EntityService, Active: true}
	require.NoError(s.CreatePlan(ctx, plan))
	require.True(llmquota.IsPlanExists(s.CreatePlan(ctx, plan)))
}

func TestAPIKeysAreHashed(t *testing.T) {
	require := r.New(t)
	s := NewPlanStore()

	raw := "sk-live-123"
	require.NoError(s.CreatePlan(ctx, &llmquota.UsagePlan{EntityID: raw, EntityType: llmquota.EntityAPIKey, Active: true}))

	for k := range s.plans {
		require.False(strings.Contains(k, raw), "raw key in store key %v", k)
	}

	// Lookups by raw and hashed id both succeed.
	p, err := s.GetPlan(ctx, raw, llmquota.EntityAPIKey)
	require.NoError(err)
	require.Equal(llmquota.HashAPIKey(raw), p.EntityID)

	_, err = s.GetPlan(ctx, p.EntityID, llmquota.EntityAPIKey)
	require.NoError(err)
}

func TestDeactivate(t *testing.T) {
	require := r.New(t)
	s := NewPlanStore()

	require.True(llmquota.IsNotFound(s.Deactivate(ctx, "bob", llmquota.EntityUser)))
	require.NoError(s.CreatePlan(ctx, &llmquota.UsagePlan{EntityID: "bob", EntityType: llmquota.EntityUser, Active: true}))
	require.NoError(s.Deactivate(ctx, "bob", llmquota.EntityUser))

	p, err := s.GetPlan(ctx, "bob", llmquota.EntityUser)
	require.NoError(err)
	require.False(p.Active)
}

func TestListByTenant(t *testing.T) {
	require := r.New(t)
	s := NewPlanStore()

	for _, p := range []*llmquota.UsagePlan{
		{EntityID: "b", EntityType: llmquota.EntityUser, TenantID: "t1"},
		{EntityID: "a", EntityType: llmquota.EntityUser, TenantID: "t1"},
		{EntityID: "p", EntityType: llmquota.EntityProject, TenantID: "t1"},
		{EntityID: "c", EntityType: llmquota.EntityUser, TenantID: "t2"},
		{EntityID: "d", EntityType: llmquota.EntityUser}} {
		require.NoError(s.CreatePlan(ctx, p))
	}

	plans, err := s.ListByTenant(ctx, "t1")
	require.NoError(err)
	require.Len(plans, 3)
	require.Equal("p", plans[0].EntityID)
	require.Equal("a", plans[1].EntityID)
	require.Equal("b", plans[2].EntityID)

	plans, err = s.ListByTenant(ctx, llmquota.SystemTenant)
	require.NoError(err)
	require.Len(plans, 1)
}
