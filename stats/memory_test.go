// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package stats

import (
	"reflect"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/square/llmquota/events"
)

func allowed(tenant, entity string, tokens int64) events.Event {
	return events.NewAllowedEvent("USER", entity, tenant, "m1", tokens)
}

func denied(tenant, entity string) events.Event {
	return events.NewDeniedEvent("USER", entity, tenant, "m1", "tenant.requests_per_minute")
}

func newMemoryListener() (Listener, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC))
	return NewMemoryStatsListener(clk), clk
}

func TestMemoryHandleAdmitted(t *testing.T) {
	listener, _ := newMemoryListener()
	listener.HandleEvent(allowed("t1", "alice", 7))
	listener.HandleEvent(allowed("t1", "alice", 3))
	scores := listener.Get("t1", "USER:alice")

	if scores.Admitted != 10 || scores.Denied != 0 {
		t.Fatalf("Entity score was not accurate: %+v != [Admitted=10, Denied=0]", scores)
	}

	scores = listener.Get("t2", "USER:alice")
	if scores.Admitted != 0 || scores.Denied != 0 {
		t.Fatalf("Nonexisting tenant was not accurate: %+v != [Admitted=0, Denied=0]", scores)
	}
}

func TestMemoryHandleDenied(t *testing.T) {
	listener, _ := newMemoryListener()
	listener.HandleEvent(denied("t1", "alice"))
	listener.HandleEvent(denied("t1", "alice"))
	listener.HandleEvent(denied("t1", "alice"))
	scores := listener.Get("t1", "USER:alice")

	if scores.Admitted != 0 || scores.Denied != 3 {
		t.Fatalf("Entity score was not accurate: %+v != [Admitted=0, Denied=3]", scores)
	}
}

func TestMemoryHandleNonEvent(t *testing.T) {
	listener, _ := newMemoryListener()
	listener.HandleEvent(events.NewPlanCreatedEvent("USER", "alice", "t1"))
	listener.HandleEvent(events.NewUsageRecordedEvent("USER", "alice", "t1", "m1", 10))
	// No tenant, as for a ledger failure.
	listener.HandleEvent(events.NewLedgerAppendFailedEvent("", "m1", 10))
	scores := listener.Get("t1", "USER:alice")

	if scores.Admitted != 0 || scores.Denied != 0 {
		t.Fatalf("Entity score was not accurate: %+v != [Admitted=0, Denied=0]", scores)
	}
}

func TestMemoryTopAdmitted(t *testing.T) {
	listener, _ := newMemoryListener()
	listener.HandleEvent(allowed("t1", "e-1", 3))
	listener.HandleEvent(allowed("t1", "e-2", 10))
	listener.HandleEvent(allowed("t1", "e-3", 1))
	listener.HandleEvent(allowed("t2", "e-4", 100))

	admitted := listener.TopAdmitted("t1")
	correct := []*EntityScore{
		{Entity: "USER:e-2", Score: 10},
		{Entity: "USER:e-1", Score: 3},
		{Entity: "USER:e-3", Score: 1}}

	if !reflect.DeepEqual(admitted, correct) {
		t.Fatalf("Admitted top10 is not correct %+v", admitted)
	}
}

func TestMemoryTopDeniedIsCapped(t *testing.T) {
	listener, _ := newMemoryListener()
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			listener.HandleEvent(denied("t1", string(rune('a'+i))))
		}
	}

	top := listener.TopDenied("t1")
	if len(top) != topListSize {
		t.Fatalf("Expected %v entries, got %v", topListSize, len(top))
	}
	if top[0].Entity != "USER:o" || top[0].Score != 15 {
		t.Fatalf("Unexpected head of list %v", top[0])
	}

	if l := listener.TopDenied("nobody"); len(l) != 0 {
		t.Fatalf("Expected empty list, got %v", l)
	}
}

func TestMemoryStatsRollHourly(t *testing.T) {
	listener, clk := newMemoryListener()
	listener.HandleEvent(denied("t1", "alice"))

	clk.Step(time.Hour)
	if s := listener.Get("t1", "USER:alice"); s.Denied != 0 {
		t.Fatalf("Expected last hour's stats to be gone, got %+v", s)
	}
	if l := listener.TopDenied("t1"); len(l) != 0 {
		t.Fatalf("Expected empty list, got %v", l)
	}

	listener.HandleEvent(denied("t1", "bob"))
	if s := listener.Get("t1", "USER:bob"); s.Denied != 1 {
		t.Fatalf("Entity score was not accurate: %+v", s)
	}
}
