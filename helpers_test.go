// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota_test

import (
	"context"
	"sync"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/square/llmquota"
	countermem "github.com/square/llmquota/counters/memory"
	"github.com/square/llmquota/events"
	ledgermem "github.com/square/llmquota/ledger/memory"
	"github.com/square/llmquota/plans/memcache"
	planmem "github.com/square/llmquota/plans/memory"
)

var ctx = context.Background()

// windowAligned is the start of a 60s window.
var windowAligned = time.Unix(1699999980, 0)

type eventLog struct {
	sync.Mutex
	events []events.Event
}

func (l *eventLog) listen(e events.Event) {
	l.Lock()
	defer l.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(et events.EventType) int {
	l.Lock()
	defer l.Unlock()
	var n int
	for _, e := range l.events {
		if e.EventType() == et {
			n++
		}
	}
	return n
}

type harness struct {
	clock    *testclock.FakeClock
	counters *llmquota.MockCounterStore
	plans    *llmquota.MockPlanStore
	cache    *memcache.PlanCache
	ledger   *llmquota.MockLedgerStore
	events   *eventLog
	engine   *llmquota.Engine
}

// newHarness builds an engine over in-memory stores that can be taken down. Store timeouts
// default to a second so slow CI machines don't trip them.
func newHarness(t *testing.T, opts llmquota.Options) *harness {
	t.Helper()
	clk := testclock.NewFakeClock(windowAligned)
	h := &harness{
		clock:    clk,
		counters: &llmquota.MockCounterStore{Delegate: countermem.NewCounterStore(clk)},
		plans:    &llmquota.MockPlanStore{Delegate: planmem.NewPlanStore()},
		cache:    memcache.NewPlanCache(clk),
		ledger:   &llmquota.MockLedgerStore{Delegate: ledgermem.NewLedgerStore(clk)},
		events:   &eventLog{}}

	if opts.CounterTimeout == 0 {
		opts.CounterTimeout = time.Second
	}
	if opts.PlanStoreTimeout == 0 {
		opts.PlanStoreTimeout = time.Second
	}
	if opts.LedgerTimeout == 0 {
		opts.LedgerTimeout = time.Second
	}
	opts.Clock = clk
	opts.Listener = h.events.listen

	e, err := llmquota.New(llmquota.Components{
		Counters: h.counters,
		Plans:    h.plans,
		Cache:    h.cache,
		Ledger:   h.ledger}, opts)
	r.NoError(t, err)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func (h *harness) waitForEvents(t *testing.T, et events.EventType, n int) {
	t.Helper()
	r.Eventually(t, func() bool { return h.events.count(et) >= n }, time.Second, time.Millisecond,
		"expected %d %v events", n, et)
}

func newLimiter(strategy llmquota.LimiterStrategy) (*llmquota.RateLimiter, *countermem.CounterStore, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(windowAligned)
	counters := countermem.NewCounterStore(clk)
	l := llmquota.NewRateLimiter(counters, llmquota.LimiterOptions{
		Strategy:       strategy,
		CounterTimeout: -1,
		Clock:          clk})
	return l, counters, clk
}

func planWith(id string, limits llmquota.RateLimits) *llmquota.UsagePlan {
	return &llmquota.UsagePlan{
		EntityID:         id,
		EntityType:       llmquota.EntityUser,
		TenantID:         "t1",
		ModelPermissions: []string{llmquota.WildcardModel},
		DefaultLimits:    limits,
		Active:           true}
}
