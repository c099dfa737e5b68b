// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package stats

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota/events"
)

type tenantStats struct {
	admitted, denied map[string]int64
}

type memoryListener struct {
	sync.RWMutex
	clock   clock.PassiveClock
	hour    time.Time
	tenants map[string]*tenantStats
}

// NewMemoryStatsListener keeps stats in process memory. They start over every hour.
func NewMemoryStatsListener(clk clock.PassiveClock) Listener {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &memoryListener{clock: clk, tenants: make(map[string]*tenantStats)}
}

// rollLocked drops the previous hour's stats.
func (l *memoryListener) rollLocked() {
	hour := l.clock.Now().Truncate(time.Hour)
	if !hour.Equal(l.hour) {
		l.hour = hour
		l.tenants = make(map[string]*tenantStats)
	}
}

// current returns the stats of tenant within the current hour, or nil.
func (l *memoryListener) current(tenant string) *tenantStats {
	if !l.clock.Now().Truncate(time.Hour).Equal(l.hour) {
		return nil
	}
	return l.tenants[tenant]
}

// TopAdmitted returns the 10 entities with the most admitted tokens in tenant
func (l *memoryListener) TopAdmitted(tenant string) []*EntityScore {
	l.RLock()
	defer l.RUnlock()

	stats := l.current(tenant)
	if stats == nil {
		return []*EntityScore{}
	}
	return top(stats.admitted)
}

// TopDenied returns the 10 entities with the most denied requests in tenant
func (l *memoryListener) TopDenied(tenant string) []*EntityScore {
	l.RLock()
	defer l.RUnlock()

	stats := l.current(tenant)
	if stats == nil {
		return []*EntityScore{}
	}
	return top(stats.denied)
}

func (l *memoryListener) Get(tenant, entity string) *EntityScores {
	l.RLock()
	defer l.RUnlock()

	scores := &EntityScores{}
	if stats := l.current(tenant); stats != nil {
		scores.Admitted = stats.admitted[entity]
		scores.Denied = stats.denied[entity]
	}
	return scores
}

func (l *memoryListener) HandleEvent(event events.Event) {
	admitted, n, ok := score(event)
	if !ok {
		return
	}

	l.Lock()
	defer l.Unlock()
	l.rollLocked()

	tenant := event.TenantID()
	stats, ok := l.tenants[tenant]
	if !ok {
		stats = &tenantStats{make(map[string]int64), make(map[string]int64)}
		l.tenants[tenant] = stats
	}

	if admitted {
		stats.admitted[EntityKey(event)] += n
	} else {
		stats.denied[EntityKey(event)] += n
	}
}
