// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import "strings"

// FailurePolicy decides what happens to a request when a store it depends on is down.
type FailurePolicy int

const (
	// FailClosed surfaces the outage as an ER_STORE_UNAVAILABLE error. The caller must not admit
	// the request.
	FailClosed FailurePolicy = iota

	// FailOpen admits the request, marking the result Degraded. A plan-store outage during
	// ResolveOrCreate yields an unpersisted default plan.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "open"
	}
	return "closed"
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "closed", "fail_closed", "fail-closed":
		return FailClosed, nil
	case "open", "fail_open", "fail-open":
		return FailOpen, nil
	}
	return FailClosed, InvalidArgument("unknown failure policy %q", s)
}

// LimiterStrategy selects how the RateLimiter pairs checks with counter writes.
type LimiterStrategy int

const (
	// StrategySoft checks with a read only, and counts the request when usage is recorded.
	// Concurrent callers can jointly overshoot a limit.
	StrategySoft LimiterStrategy = iota

	// StrategyAtomic checks and reserves the request slot in one atomic step, making the request
	// rate a hard ceiling. Token budgets remain soft, since actual usage is only known later.
	StrategyAtomic
)

func (s LimiterStrategy) String() string {
	if s == StrategyAtomic {
		return "atomic"
	}
	return "soft"
}

func ParseLimiterStrategy(s string) (LimiterStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "soft":
		return StrategySoft, nil
	case "atomic":
		return StrategyAtomic, nil
	}
	return StrategySoft, InvalidArgument("unknown limiter strategy %q", s)
}
