// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
)

const (
	DefaultWindow          = 60 * time.Second
	DefaultMaxOutputTokens = 256
	DefaultCounterTimeout  = 5 * time.Millisecond

	// tokensPerWord approximates tokenizer output from a word count.
	tokensPerWord = 1.33

	// Counter keys outlive their window by this factor, so a request that started near a window
	// boundary can still read it.
	counterTTLFactor = 2

	exceededReserveRejected = "counters.reserve"
)

type LimiterOptions struct {
	// Window is the size of a rate-limit window. Defaults to DefaultWindow; values under a second
	// are rounded up to a second.
	Window   time.Duration
	Strategy LimiterStrategy

	// CounterTimeout bounds a single counter store round trip. Zero means DefaultCounterTimeout,
	// a negative value disables the timeout.
	CounterTimeout time.Duration

	// DefaultMaxOutputTokens is the output estimate when a caller supplies no ceiling.
	DefaultMaxOutputTokens int64

	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
}

func (o *LimiterOptions) applyDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	} else if o.Window < time.Second {
		o.Window = time.Second
	}
	o.Window = o.Window.Truncate(time.Second)
	if o.CounterTimeout == 0 {
		o.CounterTimeout = DefaultCounterTimeout
	}
	if o.DefaultMaxOutputTokens <= 0 {
		o.DefaultMaxOutputTokens = DefaultMaxOutputTokens
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// RateLimiter is the admission-control core. It renders allow/deny decisions against a plan and
// the live counters of the current window, and folds realized usage into those counters.
type RateLimiter struct {
	counters CounterStore
	opts     LimiterOptions
}

func NewRateLimiter(counters CounterStore, opts LimiterOptions) *RateLimiter {
	opts.applyDefaults()
	return &RateLimiter{counters: counters, opts: opts}
}

func (l *RateLimiter) Strategy() LimiterStrategy {
	return l.opts.Strategy
}

func (l *RateLimiter) Window() time.Duration {
	return l.opts.Window
}

// EstimateTokens is a deterministic, tokenizer-free cost estimate: 1.33 tokens per
// whitespace-separated word of input, and maxOutputTokens of output (256 if not positive).
func EstimateTokens(text string, maxOutputTokens int64) (float64, int64) {
	if maxOutputTokens <= 0 {
		maxOutputTokens = DefaultMaxOutputTokens
	}
	return float64(len(strings.Fields(text))) * tokensPerWord, maxOutputTokens
}

// EstimateTokens is like the package function, with the limiter's configured output default.
func (l *RateLimiter) EstimateTokens(text string, maxOutputTokens int64) (float64, int64) {
	if maxOutputTokens <= 0 {
		maxOutputTokens = l.opts.DefaultMaxOutputTokens
	}
	return EstimateTokens(text, maxOutputTokens)
}

// WindowStart returns floor(now / window) * window, in unix seconds.
func WindowStart(now time.Time, window time.Duration) int64 {
	size := int64(window / time.Second)
	if size <= 0 {
		size = 1
	}
	ts := now.Unix()
	w := ts / size
	if ts < 0 && ts%size != 0 {
		w--
	}
	return w * size
}

// TenantUsageKey is the counter key aggregating every model: usage:{type}:{id}:{window}.
func TenantUsageKey(entityID string, t EntityType, window int64) string {
	return "usage:" + PlanKey(entityID, t) + ":" + strconv.FormatInt(window, 10)
}

// ModelUsageKey is the per-model counter key: usage:{type}:{id}:{model}:{window}.
func ModelUsageKey(entityID string, t EntityType, model string, window int64) string {
	return "usage:" + PlanKey(entityID, t) + ":" + model + ":" + strconv.FormatInt(window, 10)
}

func (l *RateLimiter) keys(plan *UsagePlan, model string, window int64) []string {
	return []string{
		TenantUsageKey(plan.EntityID, plan.EntityType, window),
		ModelUsageKey(plan.EntityID, plan.EntityType, model, window)}
}

func (l *RateLimiter) ttl() time.Duration {
	return counterTTLFactor * l.opts.Window
}

// CheckRequest estimates the cost of text and checks it against plan.
func (l *RateLimiter) CheckRequest(ctx context.Context, plan *UsagePlan, modelID, text string, maxOutputTokens int64) (*RateLimitResult, error) {
	in, out := l.EstimateTokens(text, maxOutputTokens)
	return l.CheckLimit(ctx, plan, modelID, in, out)
}

// CheckLimit decides whether a request of the estimated cost fits the current window of both the
// tenant scope and the tenant+model scope. A denial is reported through the result, with a nil
// error; a counter store failure is an ER_STORE_UNAVAILABLE error and never a decision.
//
// With StrategySoft nothing is written. With StrategyAtomic an allowed request has already been
// counted against the request rate of both scopes when CheckLimit returns.
func (l *RateLimiter) CheckLimit(ctx context.Context, plan *UsagePlan, modelID string, estInput float64, estOutput int64) (*RateLimitResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if modelID == "" {
		return nil, InvalidArgument("model id is required")
	}

	window := WindowStart(l.opts.Clock.Now(), l.opts.Window)
	limits := plan.LimitsFor(modelID)
	res := &RateLimitResult{
		TenantID:              plan.TenantID,
		ModelID:               modelID,
		AppliedLimits:         limits,
		ModelLimits:           plan.ModelLimits[modelID],
		EstimatedInputTokens:  estInput,
		EstimatedOutputTokens: estOutput,
		Window:                window}

	keys := l.keys(plan, modelID, window)
	ctx, cancel := withTimeout(ctx, l.opts.CounterTimeout)
	defer cancel()

	var usage []RateLimits
	var err error
	if l.opts.Strategy == StrategyAtomic {
		var reserved bool
		cost := Cost{InputTokens: estInput, OutputTokens: estOutput, Requests: 1}
		reserved, usage, err = l.counters.Reserve(ctx, keys, []RateLimits{limits, limits}, cost,
			RateLimits{RequestsPerMinute: 1}, l.ttl())
		if err == nil {
			res.Allowed = reserved
		}
	} else {
		usage, err = l.counters.Get(ctx, keys...)
	}

	if err == nil && len(usage) != len(keys) {
		err = InvalidArgument("counter store returned %d values for %d keys", len(usage), len(keys))
	}
	if err != nil {
		l.opts.Metrics.IncStoreError(metrics.StoreCounters)
		logging.Warnf("Counter read failed for %v: %v", plan.key(), err)
		return nil, StoreUnavailable(metrics.StoreCounters, err)
	}

	res.CurrentUsage, res.ModelUsage = usage[0], usage[1]
	res.Exceeded = evaluate(res.CurrentUsage, res.ModelUsage, limits, estInput, estOutput)

	if l.opts.Strategy == StrategyAtomic {
		if !res.Allowed && res.Exceeded == "" {
			res.Exceeded = exceededReserveRejected
		}
		if res.Allowed {
			res.Exceeded = ""
		}
	} else {
		res.Allowed = res.Exceeded == ""
	}

	if !res.Allowed {
		l.opts.Metrics.IncDenied(res.Exceeded)
		logging.Debugf("Denied %v on %v, window %v: %v", plan.key(), modelID, window, res.Exceeded)
	}
	return res, nil
}

// evaluate returns the first dimension a request would exceed, or "" if it fits.
func evaluate(tenant, model, limits RateLimits, estInput float64, estOutput int64) string {
	scopes := []struct {
		prefix string
		usage  RateLimits
	}{{exceededTenantScopePrefix, tenant}, {exceededModelScopePrefix, model}}

	for _, s := range scopes {
		switch {
		case float64(s.usage.InputTokensPerMinute)+estInput > float64(limits.InputTokensPerMinute):
			return s.prefix + dimensionInputTokens
		case s.usage.OutputTokensPerMinute+estOutput > limits.OutputTokensPerMinute:
			return s.prefix + dimensionOutputTokens
		case s.usage.RequestsPerMinute+1 > limits.RequestsPerMinute:
			return s.prefix + dimensionRequestsPerMinute
		}
	}
	return ""
}

// RecordUsage adds realized usage to both counter scopes of the current window. It is
// best-effort: failures are logged and reported as false. Under StrategyAtomic the request was
// already counted by CheckLimit, so only tokens are added.
func (l *RateLimiter) RecordUsage(ctx context.Context, plan *UsagePlan, modelID string, inputTokens, outputTokens int64) bool {
	if err := plan.Validate(); err != nil {
		logging.Warnf("Not recording usage: %v", err)
		return false
	}

	delta := RateLimits{InputTokensPerMinute: inputTokens, OutputTokensPerMinute: outputTokens}
	if l.opts.Strategy != StrategyAtomic {
		delta.RequestsPerMinute = 1
	}

	window := WindowStart(l.opts.Clock.Now(), l.opts.Window)
	ctx, cancel := withTimeout(ctx, l.opts.CounterTimeout)
	defer cancel()

	if err := l.counters.Increment(ctx, delta, l.ttl(), l.keys(plan, modelID, window)...); err != nil {
		l.opts.Metrics.IncStoreError(metrics.StoreCounters)
		logging.Warnf("Unable to record usage %v for %v on %v: %v", delta, plan.key(), modelID, err)
		return false
	}

	l.opts.Metrics.AddRecordedTokens(inputTokens, outputTokens)
	return true
}
