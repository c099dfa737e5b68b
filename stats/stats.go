// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package stats tracks which entities of a tenant are admitted and denied most, within the
// current hour.
package stats

import (
	"fmt"
	"sort"

	"github.com/square/llmquota/events"
)

const topListSize = 10

// Listener is an interface for consuming
// and retrieving per-entity admissions and denials
type Listener interface {
	TopAdmitted(tenant string) []*EntityScore
	TopDenied(tenant string) []*EntityScore
	Get(tenant, entity string) *EntityScores
	HandleEvent(events.Event)
}

// EntityScores stores a specific entity's
// admitted tokens and denied requests
type EntityScores struct {
	Admitted int64 `json:"admitted"`
	Denied   int64 `json:"denied"`
}

// EntityScore stores a specific entity's
// stats. Used for top-lists.
type EntityScore struct {
	Entity string `json:"entity"`
	Score  int64  `json:"value"`
}

func (e *EntityScore) String() string {
	return fmt.Sprintf("{%s, %d}", e.Entity, e.Score)
}

// EntityKey is how an event's entity is named in stats: {entityType}:{entityId}.
func EntityKey(e events.Event) string {
	return e.EntityType() + ":" + e.EntityID()
}

// score returns the stats a request event contributes: admitted events count their
// estimated tokens, denied events count once.
func score(e events.Event) (admitted bool, n int64, ok bool) {
	if e.TenantID() == "" || e.EntityID() == "" {
		return false, 0, false
	}
	switch e.EventType() {
	case events.EVENT_REQUEST_ALLOWED:
		return true, e.NumTokens(), true
	case events.EVENT_REQUEST_DENIED:
		return false, 1, true
	}
	return false, 0, false
}

// EntityScoreArray implements a sortable EntityScore array, highest score first
type EntityScoreArray []*EntityScore

func (b EntityScoreArray) Len() int {
	return len(b)
}

func (b EntityScoreArray) Less(i, j int) bool {
	if b[i].Score != b[j].Score {
		return b[i].Score > b[j].Score
	}
	return b[i].Entity < b[j].Entity
}

func (b EntityScoreArray) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
}

func top(scores map[string]int64) []*EntityScore {
	arr := make(EntityScoreArray, 0, len(scores))
	for entity, s := range scores {
		arr = append(arr, &EntityScore{Entity: entity, Score: s})
	}
	sort.Sort(arr)
	if len(arr) > topListSize {
		arr = arr[:topListSize]
	}
	return arr
}
