// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"time"
)

// PlanStore is durable storage for plans, addressed by (entity id, entity type). Implementations
// hash API key ids with NormalizeEntityID on both write and read, never retry, never cache, and
// wrap backend failures with StoreUnavailable.
type PlanStore interface {
	// GetPlan returns ErrPlanNotFound if no plan exists.
	GetPlan(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error)
	// CreatePlan returns ErrPlanExists if a plan is already stored for the entity.
	CreatePlan(ctx context.Context, plan *UsagePlan) error
	// Deactivate flags a plan inactive. Returns ErrPlanNotFound if no plan exists.
	Deactivate(ctx context.Context, entityID string, t EntityType) error
	ListByTenant(ctx context.Context, tenantID string) ([]*UsagePlan, error)
}

// PlanCache is a fast cache in front of a PlanStore. Keys are built with PlanCacheKey. Failures
// of the backing store must be reported as a miss.
type PlanCache interface {
	Get(ctx context.Context, entityID string, t EntityType) (*UsagePlan, bool)
	Put(ctx context.Context, plan *UsagePlan, ttl time.Duration) error
}

// Cost is the projected cost of a single request.
type Cost struct {
	InputTokens  float64
	OutputTokens int64
	Requests     int64
}

// CounterStore holds windowed usage counters. Each key carries three fields: input tokens,
// output tokens and request count.
type CounterStore interface {
	// Get reads all keys in a single round trip. Missing keys read as zero.
	Get(ctx context.Context, keys ...string) ([]RateLimits, error)

	// Increment atomically adds delta to every key, and (re)sets each key's expiry to ttl.
	Increment(ctx context.Context, delta RateLimits, ttl time.Duration, keys ...string) error

	// Reserve checks, in a single atomic step, that adding cost to keys[i] stays within limits[i]
	// on every dimension, for every i. If it does, charge is added to every key. The usage
	// observed before charging is returned either way.
	Reserve(ctx context.Context, keys []string, limits []RateLimits, cost Cost, charge RateLimits, ttl time.Duration) (bool, []RateLimits, error)
}

// LedgerStore is the durable audit store behind a UsageLedger.
type LedgerStore interface {
	// Put writes rec, keyed by (TenantID, UsageID). The store expires it at expiresAt.
	Put(ctx context.Context, rec *UsageRecord, expiresAt time.Time) error

	// Query returns unexpired records of tenantID with start <= Timestamp <= end, ordered by
	// Timestamp.
	Query(ctx context.Context, tenantID string, start, end int64) ([]*UsageRecord, error)
}
