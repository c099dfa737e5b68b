// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.ObserveCheck(ResultAllowed, time.Millisecond)
	m.IncDenied("tenant.requests_per_minute")
	m.IncStoreError(StoreCounters)
	m.ObserveCacheLookup(true)
	m.AddRecordedTokens(1, 2)
	m.IncPlansCreated()
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCheck(ResultAllowed, time.Millisecond)
	m.ObserveCheck(ResultDenied, time.Millisecond)
	m.ObserveCheck(ResultDenied, time.Millisecond)
	m.ObserveCacheLookup(false)
	m.AddRecordedTokens(10, -5)

	if v := testutil.ToFloat64(m.checks.WithLabelValues(ResultDenied)); v != 2 {
		t.Fatalf("Expected 2 denied checks, got %v", v)
	}
	if v := testutil.ToFloat64(m.planCache.WithLabelValues("miss")); v != 1 {
		t.Fatalf("Expected 1 cache miss, got %v", v)
	}
	if v := testutil.ToFloat64(m.recordedTokens.WithLabelValues("input")); v != 10 {
		t.Fatalf("Expected 10 input tokens, got %v", v)
	}

	n, err := testutil.GatherAndCount(reg, "llmquota_checks_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 series, got %v", n)
	}
}
