// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package events

import (
	"testing"
	"time"
)

func TestEventsAreDelivered(t *testing.T) {
	received := make(chan Event, 10)
	p := RegisterListener(func(e Event) { received <- e }, 10)
	defer p.Close()

	p.Emit(NewDeniedEvent("USER", "u1", "t1", "m1", "tenant.requests_per_minute"))
	p.Emit(NewPlanCreatedEvent("USER", "u2", "t1"))

	e := waitFor(t, received)
	if e.EventType() != EVENT_REQUEST_DENIED || e.EntityID() != "u1" || e.Model() != "m1" ||
		e.Detail() != "tenant.requests_per_minute" {
		t.Fatalf("Unexpected event %+v", e)
	}

	e = waitFor(t, received)
	if e.EventType() != EVENT_PLAN_CREATED || e.TenantID() != "t1" || e.NumTokens() != 0 {
		t.Fatalf("Unexpected event %+v", e)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	p := RegisterListener(func(e Event) { <-block }, 1)
	defer close(block)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Emit(NewAllowedEvent("USER", "u1", "t1", "m1", int64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestEmitAfterClose(t *testing.T) {
	p := RegisterListener(func(e Event) { t.Errorf("Delivered after close: %v", e) }, 1)
	p.Close()
	p.Close()
	p.Emit(NewPlanRevokedEvent("USER", "u1"))

	var nilProducer *EventProducer
	nilProducer.Emit(NewPlanRevokedEvent("USER", "u1"))
	nilProducer.Close()
}

func TestEventTypeNames(t *testing.T) {
	if EVENT_LEDGER_APPEND_FAILED.String() != "EVENT_LEDGER_APPEND_FAILED" {
		t.Fatalf("Wrong name %v", EVENT_LEDGER_APPEND_FAILED.String())
	}
}

func TestFanout(t *testing.T) {
	var a, b int
	l := Fanout(func(Event) { a++ }, nil, func(Event) { b++ })
	l(NewPlanRevokedEvent("USER", "u1"))
	if a != 1 || b != 1 {
		t.Fatalf("Expected both listeners notified, got %v, %v", a, b)
	}
}

func waitFor(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return nil
	}
}
