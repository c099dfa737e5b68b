// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
)

const (
	DefaultPlanCacheTTL     = 24 * time.Hour
	DefaultPlanStoreTimeout = 25 * time.Millisecond
)

// DefaultRateLimits are granted to first-seen entities unless configured otherwise.
var DefaultRateLimits = RateLimits{
	InputTokensPerMinute:  10000,
	OutputTokensPerMinute: 5000,
	RequestsPerMinute:     60}

type ResolverOptions struct {
	CacheTTL time.Duration
	// Defaults are the limits of synthesized plans. The zero value means DefaultRateLimits.
	Defaults      RateLimits
	FailurePolicy FailurePolicy
	// Timeout bounds a single plan store round trip. Zero means DefaultPlanStoreTimeout, a
	// negative value disables it.
	Timeout time.Duration
	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
}

func (o *ResolverOptions) applyDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultPlanCacheTTL
	}
	if o.Defaults == (RateLimits{}) {
		o.Defaults = DefaultRateLimits
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultPlanStoreTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// PlanResolver looks plans up cache first, falling back to the store and populating the cache
// on the way out. cache may be nil.
type PlanResolver struct {
	store PlanStore
	cache PlanCache
	opts  ResolverOptions
}

func NewPlanResolver(store PlanStore, cache PlanCache, opts ResolverOptions) *PlanResolver {
	opts.applyDefaults()
	return &PlanResolver{store: store, cache: cache, opts: opts}
}

// Resolve returns the plan of an entity, or ErrPlanNotFound. API keys are taken as presented by
// the client, raw.
func (r *PlanResolver) Resolve(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error) {
	if err := checkRawEntity(entityID, t); err != nil {
		return nil, err
	}
	id := NormalizeEntityID(entityID, t)

	if r.cache != nil {
		p, hit := r.cache.Get(ctx, id, t)
		r.opts.Metrics.ObserveCacheLookup(hit)
		if hit {
			return p, nil
		}
	}

	p, err := r.fromStore(ctx, id, t)
	if err != nil {
		return nil, err
	}
	r.populate(ctx, p)
	return p, nil
}

// ResolveOrCreate is Resolve, except that an unseen entity is given a default plan which is
// persisted before it is returned.
func (r *PlanResolver) ResolveOrCreate(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error) {
	p, _, err := r.resolveOrCreate(ctx, entityID, t)
	return p, err
}

// resolveOrCreate also reports whether the plan was created by this call.
func (r *PlanResolver) resolveOrCreate(ctx context.Context, entityID string, t EntityType) (*UsagePlan, bool, error) {
	p, err := r.Resolve(ctx, entityID, t)
	switch {
	case err == nil:
		return p, false, nil
	case IsNotFound(err):
		// Create below.
	case IsStoreUnavailable(err):
		return r.degraded(entityID, t, err)
	default:
		return nil, false, err
	}

	p = DefaultPlan(entityID, t, r.opts.Defaults)
	now := r.opts.Clock.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	err = r.create(ctx, p)
	switch {
	case err == nil:
		r.opts.Metrics.IncPlansCreated()
		logging.Infof("Created default plan for %v", p.key())
		r.populate(ctx, p)
		return p, true, nil
	case IsPlanExists(err):
		// Lost a race with a concurrent creator; theirs wins.
		stored, err := r.fromStore(ctx, p.EntityID, t)
		if err != nil {
			if IsStoreUnavailable(err) {
				return r.degraded(entityID, t, err)
			}
			return nil, false, err
		}
		r.populate(ctx, stored)
		return stored, false, nil
	case IsStoreUnavailable(err):
		return r.degraded(entityID, t, err)
	default:
		return nil, false, err
	}
}

func (r *PlanResolver) degraded(entityID string, t EntityType, err error) (*UsagePlan, bool, error) {
	if r.opts.FailurePolicy != FailOpen {
		return nil, false, err
	}
	p := DefaultPlan(entityID, t, r.opts.Defaults)
	logging.Warnf("Plan store unavailable, serving unpersisted default plan for %v: %v", p.key(), err)
	return p, false, nil
}

func (r *PlanResolver) fromStore(ctx context.Context, id string, t EntityType) (*UsagePlan, error) {
	ctx, cancel := withTimeout(ctx, r.opts.Timeout)
	defer cancel()

	p, err := r.store.GetPlan(ctx, id, t)
	if err == nil {
		return p, nil
	}
	if IsNotFound(err) {
		return nil, ErrPlanNotFound
	}
	r.opts.Metrics.IncStoreError(metrics.StorePlans)
	return nil, StoreUnavailable(metrics.StorePlans, err)
}

func (r *PlanResolver) create(ctx context.Context, p *UsagePlan) error {
	ctx, cancel := withTimeout(ctx, r.opts.Timeout)
	defer cancel()

	err := r.store.CreatePlan(ctx, p)
	if err == nil || IsPlanExists(err) {
		return err
	}
	if _, ok := ReasonOf(err); ok && !IsStoreUnavailable(err) {
		return err
	}
	r.opts.Metrics.IncStoreError(metrics.StorePlans)
	return StoreUnavailable(metrics.StorePlans, err)
}

// populate is best-effort.
func (r *PlanResolver) populate(ctx context.Context, p *UsagePlan) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, p, r.opts.CacheTTL); err != nil {
		r.opts.Metrics.IncStoreError(metrics.StoreCache)
		logging.Debugf("Unable to cache plan %v: %v", p.key(), err)
	}
}

func checkEntity(entityID string, t EntityType) error {
	if entityID == "" {
		return InvalidArgument("entity id is required")
	}
	if !t.Valid() {
		return InvalidArgument("unknown entity type %q", t)
	}
	return nil
}

// checkRawEntity also rejects API keys that already have the shape of a hash. Such a key would
// pass through NormalizeEntityID untouched and be stored as is.
func checkRawEntity(entityID string, t EntityType) error {
	if err := checkEntity(entityID, t); err != nil {
		return err
	}
	if t == EntityAPIKey && IsHashedKey(entityID) {
		return InvalidArgument("API keys must be sent raw, not %v hashed", hashedKeyPrefix)
	}
	return nil
}
