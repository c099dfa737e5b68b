// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package events carries notifications about admission decisions and plan changes to a single
// listener, off the request path.
package events

import (
	"fmt"
	"sync"

	"github.com/square/llmquota/logging"
)

type EventType int

const (
	EVENT_REQUEST_ALLOWED EventType = iota
	EVENT_REQUEST_DENIED
	EVENT_STORE_UNAVAILABLE
	EVENT_PLAN_CREATED
	EVENT_PLAN_REVOKED
	EVENT_USAGE_RECORDED
	EVENT_USAGE_RECORD_FAILED
	EVENT_LEDGER_APPEND_FAILED
)

var eventNames = []string{
	EVENT_REQUEST_ALLOWED:      "EVENT_REQUEST_ALLOWED",
	EVENT_REQUEST_DENIED:       "EVENT_REQUEST_DENIED",
	EVENT_STORE_UNAVAILABLE:    "EVENT_STORE_UNAVAILABLE",
	EVENT_PLAN_CREATED:         "EVENT_PLAN_CREATED",
	EVENT_PLAN_REVOKED:         "EVENT_PLAN_REVOKED",
	EVENT_USAGE_RECORDED:       "EVENT_USAGE_RECORDED",
	EVENT_USAGE_RECORD_FAILED:  "EVENT_USAGE_RECORD_FAILED",
	EVENT_LEDGER_APPEND_FAILED: "EVENT_LEDGER_APPEND_FAILED"}

func (et EventType) String() string {
	if int(et) < 0 || int(et) >= len(eventNames) {
		panic(fmt.Sprintf("Don't know event %d", et))
	}

	return eventNames[et]
}

// Event describes something that happened to an entity. Entity ids are always normalized, so
// an event never carries a raw API key.
type Event interface {
	EventType() EventType
	EntityType() string
	EntityID() string
	TenantID() string
	Model() string
	NumTokens() int64
	// Detail is event specific: the exceeded dimension of a denial, or the failing store.
	Detail() string
}

// EventProducer is a hook into the notification system, to inform listeners that certain events
// take place.
type EventProducer struct {
	c      chan Event
	done   chan struct{}
	closer sync.Once
}

// Emit never blocks. Events are dropped when the buffer is full.
func (e *EventProducer) Emit(event Event) {
	if e == nil {
		return
	}

	select {
	case <-e.done:
		return
	default:
	}

	select {
	case e.c <- event:
	// OK
	default:
		logging.Println("Event buffer full; dropping event.")
	}
}

// Close stops delivery. Buffered events not yet consumed are discarded.
func (e *EventProducer) Close() {
	if e == nil {
		return
	}
	e.closer.Do(func() { close(e.done) })
}

func (e *EventProducer) notifyListeners(l Listener) {
	for {
		select {
		case event := <-e.c:
			l(event)
		case <-e.done:
			return
		}
	}
}

// Listener is a function that consumes an Event
type Listener func(details Event)

// RegisterListener takes a Listener and a buffer size and
// returns an EventProducer that consumes events and notifies listeners
func RegisterListener(listener Listener, bufsize int) *EventProducer {
	if listener == nil {
		panic("Cannot register a nil listener")
	}

	if bufsize < 1 {
		bufsize = 1
	}

	ep := &EventProducer{c: make(chan Event, bufsize), done: make(chan struct{})}

	go ep.notifyListeners(listener)

	return ep
}

// Fanout combines listeners into one.
func Fanout(listeners ...Listener) Listener {
	return func(e Event) {
		for _, l := range listeners {
			if l != nil {
				l(e)
			}
		}
	}
}

type entityEvent struct {
	eventType                      EventType
	entityType, entityID, tenantID string
}

func (n *entityEvent) String() string {
	return fmt.Sprintf("entityEvent{type: %v, entity: %v:%v, tenant: %v}",
		n.eventType, n.entityType, n.entityID, n.tenantID)
}

func (n *entityEvent) EventType() EventType {
	return n.eventType
}

func (n *entityEvent) EntityType() string {
	return n.entityType
}

func (n *entityEvent) EntityID() string {
	return n.entityID
}

func (n *entityEvent) TenantID() string {
	return n.tenantID
}

func (n *entityEvent) Model() string {
	return ""
}

func (n *entityEvent) NumTokens() int64 {
	return 0
}

func (n *entityEvent) Detail() string {
	return ""
}

type requestEvent struct {
	*entityEvent
	model     string
	numTokens int64
	detail    string
}

func (r *requestEvent) String() string {
	return fmt.Sprintf("requestEvent{type: %v, entity: %v:%v, tenant: %v, model: %v, numTokens: %v, detail: %v}",
		r.eventType, r.entityType, r.entityID, r.tenantID, r.model, r.numTokens, r.detail)
}

func (r *requestEvent) Model() string {
	return r.model
}

func (r *requestEvent) NumTokens() int64 {
	return r.numTokens
}

func (r *requestEvent) Detail() string {
	return r.detail
}

// NewAllowedEvent creates a new event with the type EVENT_REQUEST_ALLOWED
func NewAllowedEvent(entityType, entityID, tenantID, model string, estimatedTokens int64) Event {
	return newRequestEvent(EVENT_REQUEST_ALLOWED, entityType, entityID, tenantID, model, estimatedTokens, "")
}

// NewDeniedEvent creates a new event with the type EVENT_REQUEST_DENIED
func NewDeniedEvent(entityType, entityID, tenantID, model, exceeded string) Event {
	return newRequestEvent(EVENT_REQUEST_DENIED, entityType, entityID, tenantID, model, 0, exceeded)
}

// NewStoreUnavailableEvent creates a new event with the type EVENT_STORE_UNAVAILABLE
func NewStoreUnavailableEvent(entityType, entityID, tenantID, store string) Event {
	return newRequestEvent(EVENT_STORE_UNAVAILABLE, entityType, entityID, tenantID, "", 0, store)
}

// NewUsageRecordedEvent creates a new event with the type EVENT_USAGE_RECORDED
func NewUsageRecordedEvent(entityType, entityID, tenantID, model string, totalTokens int64) Event {
	return newRequestEvent(EVENT_USAGE_RECORDED, entityType, entityID, tenantID, model, totalTokens, "")
}

// NewUsageRecordFailedEvent creates a new event with the type EVENT_USAGE_RECORD_FAILED
func NewUsageRecordFailedEvent(entityType, entityID, tenantID, model string, totalTokens int64) Event {
	return newRequestEvent(EVENT_USAGE_RECORD_FAILED, entityType, entityID, tenantID, model, totalTokens, "")
}

// NewLedgerAppendFailedEvent creates a new event with the type EVENT_LEDGER_APPEND_FAILED
func NewLedgerAppendFailedEvent(tenantID, model string, totalTokens int64) Event {
	return newRequestEvent(EVENT_LEDGER_APPEND_FAILED, "", "", tenantID, model, totalTokens, "")
}

// NewPlanCreatedEvent creates a new event with the type EVENT_PLAN_CREATED
func NewPlanCreatedEvent(entityType, entityID, tenantID string) Event {
	return newEntityEvent(EVENT_PLAN_CREATED, entityType, entityID, tenantID)
}

// NewPlanRevokedEvent creates a new event with the type EVENT_PLAN_REVOKED
func NewPlanRevokedEvent(entityType, entityID string) Event {
	return newEntityEvent(EVENT_PLAN_REVOKED, entityType, entityID, "")
}

func newEntityEvent(eventType EventType, entityType, entityID, tenantID string) *entityEvent {
	return &entityEvent{
		eventType:  eventType,
		entityType: entityType,
		entityID:   entityID,
		tenantID:   tenantID}
}

func newRequestEvent(eventType EventType, entityType, entityID, tenantID, model string, numTokens int64, detail string) *requestEvent {
	return &requestEvent{
		entityEvent: newEntityEvent(eventType, entityType, entityID, tenantID),
		model:       model,
		numTokens:   numTokens,
		detail:      detail}
}
