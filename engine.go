// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/square/llmquota/events"
	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
)

const (
	DefaultLedgerTimeout   = 25 * time.Millisecond
	defaultEventBufferSize = 1024
)

// Components are the store clients an Engine runs on. They are created once at start-up and
// shared by every request. Cache is optional.
type Components struct {
	Counters CounterStore
	Plans    PlanStore
	Cache    PlanCache
	Ledger   LedgerStore
}

type Options struct {
	Window                 time.Duration
	Strategy               LimiterStrategy
	FailurePolicy          FailurePolicy
	DefaultLimits          RateLimits
	DefaultMaxOutputTokens int64
	PlanCacheTTL           time.Duration
	LedgerRetention        time.Duration

	CounterTimeout   time.Duration
	PlanStoreTimeout time.Duration
	LedgerTimeout    time.Duration

	// Listener is notified of admission decisions and plan changes, off the request path.
	Listener        events.Listener
	EventBufferSize int

	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
}

// Engine is the surface the gateway calls on every request: resolve the plan, check the
// estimated cost, report the realized cost. It also carries plan management.
type Engine struct {
	limiter  *RateLimiter
	resolver *PlanResolver
	ledger   *UsageLedger
	plans    PlanStore
	opts     Options
	producer *events.EventProducer
}

func New(c Components, opts Options) (*Engine, error) {
	switch {
	case c.Counters == nil:
		return nil, errors.New("a counter store is required")
	case c.Plans == nil:
		return nil, errors.New("a plan store is required")
	case c.Ledger == nil:
		return nil, errors.New("a ledger store is required")
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = defaultEventBufferSize
	}
	if opts.LedgerTimeout == 0 {
		opts.LedgerTimeout = DefaultLedgerTimeout
	}
	if opts.PlanStoreTimeout == 0 {
		opts.PlanStoreTimeout = DefaultPlanStoreTimeout
	}

	e := &Engine{
		plans: c.Plans,
		opts:  opts,
		limiter: NewRateLimiter(c.Counters, LimiterOptions{
			Window:                 opts.Window,
			Strategy:               opts.Strategy,
			CounterTimeout:         opts.CounterTimeout,
			DefaultMaxOutputTokens: opts.DefaultMaxOutputTokens,
			Clock:                  opts.Clock,
			Metrics:                opts.Metrics}),
		resolver: NewPlanResolver(c.Plans, c.Cache, ResolverOptions{
			CacheTTL:      opts.PlanCacheTTL,
			Defaults:      opts.DefaultLimits,
			FailurePolicy: opts.FailurePolicy,
			Timeout:       opts.PlanStoreTimeout,
			Clock:         opts.Clock,
			Metrics:       opts.Metrics}),
		ledger: NewUsageLedger(c.Ledger, LedgerOptions{
			Retention: opts.LedgerRetention,
			Timeout:   opts.LedgerTimeout,
			Clock:     opts.Clock,
			Metrics:   opts.Metrics}),
	}

	if opts.Listener != nil {
		e.producer = events.RegisterListener(opts.Listener, opts.EventBufferSize)
	}

	logging.Infof("Engine started: window=%v strategy=%v failure_policy=%v", e.limiter.Window(),
		e.limiter.Strategy(), opts.FailurePolicy)
	return e, nil
}

func (e *Engine) Limiter() *RateLimiter {
	return e.limiter
}

func (e *Engine) Resolver() *PlanResolver {
	return e.resolver
}

func (e *Engine) Ledger() *UsageLedger {
	return e.ledger
}

// Window is the size of the rate-limit windows.
func (e *Engine) Window() time.Duration {
	return e.limiter.Window()
}

func (e *Engine) Resolve(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error) {
	return e.resolver.Resolve(ctx, entityID, t)
}

func (e *Engine) ResolveOrCreate(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error) {
	p, created, err := e.resolver.resolveOrCreate(ctx, entityID, t)
	if err != nil {
		if IsStoreUnavailable(err) {
			e.emit(events.NewStoreUnavailableEvent(string(t), NormalizeEntityID(entityID, t), "", metrics.StorePlans))
		}
		return nil, err
	}
	if created {
		e.emit(events.NewPlanCreatedEvent(string(p.EntityType), p.EntityID, p.TenantID))
	}
	return p, nil
}

// CheckLimit estimates the cost of requestText and decides whether plan may spend it on model.
// Inactive plans and unpermitted models are denials. A counter store outage is an
// ER_STORE_UNAVAILABLE error under FailClosed, and a Degraded admission under FailOpen.
func (e *Engine) CheckLimit(ctx context.Context, plan *UsagePlan, modelID, requestText string, maxOutputTokens int64) (*RateLimitResult, error) {
	start := time.Now()
	if err := plan.Validate(); err != nil {
		e.opts.Metrics.ObserveCheck(metrics.ResultError, time.Since(start))
		return nil, err
	}

	in, out := e.limiter.EstimateTokens(requestText, maxOutputTokens)
	if !plan.Active || !plan.Permits(modelID) {
		res := &RateLimitResult{
			TenantID:              plan.TenantID,
			ModelID:               modelID,
			AppliedLimits:         plan.LimitsFor(modelID),
			ModelLimits:           plan.ModelLimits[modelID],
			EstimatedInputTokens:  in,
			EstimatedOutputTokens: out,
			Window:                WindowStart(e.opts.Clock.Now(), e.limiter.Window())}
		if plan.Active {
			res.Exceeded = ExceededModelNotPermitted
		} else {
			res.Exceeded = ExceededPlanInactive
		}
		e.opts.Metrics.IncDenied(res.Exceeded)
		e.finishCheck(plan, res, start)
		return res, nil
	}

	res, err := e.limiter.CheckLimit(ctx, plan, modelID, in, out)
	if err != nil {
		if !IsStoreUnavailable(err) {
			e.opts.Metrics.ObserveCheck(metrics.ResultError, time.Since(start))
			return nil, err
		}
		e.emit(events.NewStoreUnavailableEvent(string(plan.EntityType), plan.EntityID, plan.TenantID, metrics.StoreCounters))
		if e.opts.FailurePolicy != FailOpen {
			e.opts.Metrics.ObserveCheck(metrics.ResultError, time.Since(start))
			return nil, err
		}

		logging.Warnf("Admitting %v on %v without counter data: %v", plan.key(), modelID, err)
		res = &RateLimitResult{
			Allowed:               true,
			Degraded:              true,
			TenantID:              plan.TenantID,
			ModelID:               modelID,
			AppliedLimits:         plan.LimitsFor(modelID),
			ModelLimits:           plan.ModelLimits[modelID],
			EstimatedInputTokens:  in,
			EstimatedOutputTokens: out,
			Window:                WindowStart(e.opts.Clock.Now(), e.limiter.Window())}
	}

	e.finishCheck(plan, res, start)
	return res, nil
}

func (e *Engine) finishCheck(plan *UsagePlan, res *RateLimitResult, start time.Time) {
	var result string
	switch {
	case res.Degraded:
		result = metrics.ResultDegraded
	case res.Allowed:
		result = metrics.ResultAllowed
	default:
		result = metrics.ResultDenied
	}
	e.opts.Metrics.ObserveCheck(result, time.Since(start))

	t, id := string(plan.EntityType), NormalizeEntityID(plan.EntityID, plan.EntityType)
	if res.Allowed {
		e.emit(events.NewAllowedEvent(t, id, plan.TenantID, res.ModelID,
			int64(res.EstimatedInputTokens)+res.EstimatedOutputTokens))
	} else {
		e.emit(events.NewDeniedEvent(t, id, plan.TenantID, res.ModelID, res.Exceeded))
	}
}

// RecordUsage folds realized usage into the window counters. Best-effort.
func (e *Engine) RecordUsage(ctx context.Context, plan *UsagePlan, modelID string, inputTokens, outputTokens int64) bool {
	ok := e.limiter.RecordUsage(ctx, plan, modelID, inputTokens, outputTokens)
	if plan != nil {
		t, id := string(plan.EntityType), NormalizeEntityID(plan.EntityID, plan.EntityType)
		if ok {
			e.emit(events.NewUsageRecordedEvent(t, id, plan.TenantID, modelID, inputTokens+outputTokens))
		} else {
			e.emit(events.NewUsageRecordFailedEvent(t, id, plan.TenantID, modelID, inputTokens+outputTokens))
		}
	}
	return ok
}

// Append writes rec to the usage ledger. Best-effort.
func (e *Engine) Append(ctx context.Context, rec *UsageRecord) bool {
	ok := e.ledger.Append(ctx, rec)
	if !ok && rec != nil {
		e.emit(events.NewLedgerAppendFailedEvent(rec.TenantID, rec.Model, rec.TotalTokens()))
	}
	return ok
}

// Complete reports a finished invocation: the counters and the ledger are written concurrently
// and independently. Neither failure affects the other.
func (e *Engine) Complete(ctx context.Context, plan *UsagePlan, modelID string, inputTokens, outputTokens int64, metadata map[string]string) (recorded, appended bool) {
	if plan == nil {
		return false, false
	}
	rec := &UsageRecord{
		TenantID:     plan.TenantID,
		Model:        modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Timestamp:    e.opts.Clock.Now().Unix(),
		Metadata:     metadata}

	var g errgroup.Group
	g.Go(func() error {
		recorded = e.RecordUsage(ctx, plan, modelID, inputTokens, outputTokens)
		return nil
	})
	g.Go(func() error {
		appended = e.Append(ctx, rec)
		return nil
	})
	_ = g.Wait()
	return recorded, appended
}

// CreatePlan provisions an active plan. API key ids are hashed before the plan is stored. A plan
// without default limits is given the engine's.
func (e *Engine) CreatePlan(ctx context.Context, plan *UsagePlan) (*UsagePlan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := checkRawEntity(plan.EntityID, plan.EntityType); err != nil {
		return nil, err
	}
	p := plan.Clone()
	p.Normalize()
	p.Active = true
	if p.DefaultLimits == (RateLimits{}) {
		p.DefaultLimits = e.resolver.opts.Defaults
	}
	now := e.opts.Clock.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := e.resolver.create(ctx, p); err != nil {
		if IsStoreUnavailable(err) {
			e.emit(events.NewStoreUnavailableEvent(string(p.EntityType), p.EntityID, p.TenantID, metrics.StorePlans))
		}
		return nil, err
	}

	e.opts.Metrics.IncPlansCreated()
	e.emit(events.NewPlanCreatedEvent(string(p.EntityType), p.EntityID, p.TenantID))
	logging.Infof("Created plan %v", p)
	return p, nil
}

// Revoke deactivates the plan of an entity, given a raw API key. It reports false, with a nil
// error, if the entity has no plan. Cached copies are not evicted and may be served until they
// expire.
func (e *Engine) Revoke(ctx context.Context, entityID string, t EntityType) (bool, error) {
	if err := checkRawEntity(entityID, t); err != nil {
		return false, err
	}
	return e.deactivate(ctx, NormalizeEntityID(entityID, t), t)
}

// RevokePlan is Revoke by stored entity id, as found in UsagePlan.EntityID. API keys must be given
// hashed, so that raw keys never need to travel in a URL.
func (e *Engine) RevokePlan(ctx context.Context, planID string, t EntityType) (bool, error) {
	if err := checkEntity(planID, t); err != nil {
		return false, err
	}
	if t == EntityAPIKey && !IsHashedKey(planID) {
		return false, InvalidArgument("API key plans are revoked by their %v id", hashedKeyPrefix)
	}
	return e.deactivate(ctx, planID, t)
}

func (e *Engine) deactivate(ctx context.Context, id string, t EntityType) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.opts.PlanStoreTimeout)
	defer cancel()

	err := e.plans.Deactivate(ctx, id, t)
	switch {
	case err == nil:
		e.emit(events.NewPlanRevokedEvent(string(t), id))
		logging.Infof("Revoked plan %v", PlanKey(id, t))
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		e.opts.Metrics.IncStoreError(metrics.StorePlans)
		return false, StoreUnavailable(metrics.StorePlans, err)
	}
}

func (e *Engine) ListPlansByTenant(ctx context.Context, tenantID string) ([]*UsagePlan, error) {
	if tenantID == "" {
		return nil, InvalidArgument("tenant id is required")
	}

	ctx, cancel := withTimeout(ctx, e.opts.PlanStoreTimeout)
	defer cancel()

	plans, err := e.plans.ListByTenant(ctx, tenantID)
	if err != nil {
		e.opts.Metrics.IncStoreError(metrics.StorePlans)
		return nil, StoreUnavailable(metrics.StorePlans, err)
	}
	return plans, nil
}

// QueryUsage returns the ledger records of a tenant within [start, end], in unix seconds.
func (e *Engine) QueryUsage(ctx context.Context, tenantID string, start, end int64) ([]*UsageRecord, error) {
	return e.ledger.Query(ctx, tenantID, start, end)
}

// Close stops event delivery. Store clients are owned by the caller.
func (e *Engine) Close() {
	e.producer.Close()
}

func (e *Engine) emit(ev events.Event) {
	e.producer.Emit(ev)
}
