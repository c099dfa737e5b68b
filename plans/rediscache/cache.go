// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package rediscache caches plans in Redis as JSON under plan:{entityType}:{entityId}.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/square/llmquota"
	"github.com/square/llmquota/internal/redisutil"
	"github.com/square/llmquota/logging"
)

type PlanCache struct {
	client redis.Cmdable
}

func NewPlanCache(client redis.Cmdable) *PlanCache {
	return &PlanCache{client: client}
}

// Get treats every failure as a miss.
func (c *PlanCache) Get(ctx context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, bool) {
	key := llmquota.PlanCacheKey(entityID, t)
	b, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !redisutil.IsNil(err) {
			logging.Warnf("Plan cache read of %v failed, treating as a miss: %v", key, err)
		}
		return nil, false
	}

	var p llmquota.UsagePlan
	if err := json.Unmarshal(b, &p); err != nil {
		logging.Warnf("Discarding undecodable cache entry %v: %v", key, err)
		return nil, false
	}
	return &p, true
}

func (c *PlanCache) Put(ctx context.Context, plan *llmquota.UsagePlan, ttl time.Duration) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = llmquota.DefaultPlanCacheTTL
	}

	p := plan.Clone()
	p.Normalize()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, llmquota.PlanCacheKey(p.EntityID, p.EntityType), b, ttl).Err()
}
