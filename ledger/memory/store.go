// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package memory keeps usage records in process memory, expiring them by clock.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota"
)

type item struct {
	rec       *llmquota.UsageRecord
	expiresAt time.Time
}

// LedgerStore is an in-memory llmquota.LedgerStore.
type LedgerStore struct {
	sync.RWMutex
	clock clock.PassiveClock
	// tenant -> usage id -> record
	tenants map[string]map[string]item
}

func NewLedgerStore(clk clock.PassiveClock) *LedgerStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LedgerStore{clock: clk, tenants: make(map[string]map[string]item)}
}

func (s *LedgerStore) Put(ctx context.Context, rec *llmquota.UsageRecord, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := *rec
	if rec.Metadata != nil {
		c.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}

	s.Lock()
	defer s.Unlock()

	records, ok := s.tenants[rec.TenantID]
	if !ok {
		records = make(map[string]item)
		s.tenants[rec.TenantID] = records
	}
	records[rec.UsageID] = item{rec: &c, expiresAt: expiresAt}
	return nil
}

func (s *LedgerStore) Query(ctx context.Context, tenantID string, start, end int64) ([]*llmquota.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()

	now := s.clock.Now()
	var recs []*llmquota.UsageRecord
	for _, it := range s.tenants[tenantID] {
		if !now.Before(it.expiresAt) {
			continue
		}
		if it.rec.Timestamp >= start && it.rec.Timestamp <= end {
			c := *it.rec
			recs = append(recs, &c)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		return recs[i].UsageID < recs[j].UsageID
	})
	return recs, nil
}

// Prune drops expired records and returns how many were dropped.
func (s *LedgerStore) Prune() int {
	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	var n int
	for tenant, records := range s.tenants {
		for id, it := range records {
			if !now.Before(it.expiresAt) {
				delete(records, id)
				n++
			}
		}
		if len(records) == 0 {
			delete(s.tenants, tenant)
		}
	}
	return n
}
