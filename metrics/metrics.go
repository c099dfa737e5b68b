// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package metrics holds the Prometheus collectors of the admission engine. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmquota"

// Store labels
const (
	StoreCounters = "counters"
	StorePlans    = "plans"
	StoreCache    = "plan_cache"
	StoreLedger   = "ledger"
)

// Check results
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultError    = "error"
	ResultDegraded = "degraded"
)

type Metrics struct {
	checks         *prometheus.CounterVec
	denials        *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	planCache      *prometheus.CounterVec
	recordedTokens *prometheus.CounterVec
	plansCreated   prometheus.Counter
	checkDuration  prometheus.Histogram
}

// New creates collectors and registers them with reg. A nil reg leaves them unregistered,
// which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Number of admission checks, by result",
		}, []string{"result"}),
		denials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Number of denied requests, by first exceeded dimension",
		}, []string{"dimension"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Number of failed store round trips, by store",
		}, []string{"store"}),
		planCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_cache_total",
			Help:      "Plan cache lookups, by hit or miss",
		}, []string{"result"}),
		recordedTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_tokens_total",
			Help:      "Tokens folded into the rolling window counters, by direction",
		}, []string{"direction"}),
		plansCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_created_total",
			Help:      "Plans created, explicitly or on first sight of an entity",
		}),
		checkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of admission checks",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
	}
}

func (m *Metrics) ObserveCheck(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
	m.checkDuration.Observe(d.Seconds())
}

func (m *Metrics) IncDenied(dimension string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(dimension).Inc()
}

func (m *Metrics) IncStoreError(store string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(store).Inc()
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.planCache.WithLabelValues("hit").Inc()
	} else {
		m.planCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) AddRecordedTokens(input, output int64) {
	if m == nil {
		return
	}
	// Counters cannot go down; corrections are not reflected.
	if input > 0 {
		m.recordedTokens.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.recordedTokens.WithLabelValues("output").Add(float64(output))
	}
}

func (m *Metrics) IncPlansCreated() {
	if m == nil {
		return
	}
	m.plansCreated.Inc()
}
