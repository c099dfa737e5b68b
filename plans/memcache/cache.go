// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package memcache is an in-process plan cache. Each gateway instance has its own copy, so a
// plan may be served stale for up to the TTL.
package memcache

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota"
)

type entry struct {
	plan      *llmquota.UsagePlan
	expiresAt time.Time
}

type PlanCache struct {
	sync.RWMutex
	clock   clock.PassiveClock
	entries map[string]entry
}

func NewPlanCache(clk clock.PassiveClock) *PlanCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PlanCache{clock: clk, entries: make(map[string]entry)}
}

func (c *PlanCache) Get(_ context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, bool) {
	key := llmquota.PlanCacheKey(entityID, t)

	c.RLock()
	e, ok := c.entries[key]
	c.RUnlock()

	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt == e.expiresAt {
			delete(c.entries, key)
		}
		c.Unlock()
		return nil, false
	}
	return e.plan.Clone(), true
}

func (c *PlanCache) Put(_ context.Context, plan *llmquota.UsagePlan, ttl time.Duration) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = llmquota.DefaultPlanCacheTTL
	}

	p := plan.Clone()
	p.Normalize()

	c.Lock()
	defer c.Unlock()
	c.entries[llmquota.PlanCacheKey(p.EntityID, p.EntityType)] = entry{plan: p, expiresAt: c.clock.Now().Add(ttl)}
	return nil
}

// Keys returns the cache keys currently held.
func (c *PlanCache) Keys() []string {
	c.RLock()
	defer c.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
