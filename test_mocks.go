// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrMockStoreDown is returned by mock stores that have been taken down.
var ErrMockStoreDown = errors.New("mock store is down")

// mockSwitch can take a mock store down, or make it hang until the caller's context expires.
type mockSwitch struct {
	down  atomic.Bool
	hang  atomic.Bool
	calls atomic.Int64
}

func (m *mockSwitch) SetDown(down bool) { m.down.Store(down) }
func (m *mockSwitch) SetHang(hang bool) { m.hang.Store(hang) }

// Calls returns the number of calls made to the store.
func (m *mockSwitch) Calls() int64 { return m.calls.Load() }

func (m *mockSwitch) check(ctx context.Context) error {
	m.calls.Add(1)
	if m.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.down.Load() {
		return ErrMockStoreDown
	}
	return nil
}

// MockCounterStore wraps a CounterStore that can be taken down.
type MockCounterStore struct {
	mockSwitch
	Delegate CounterStore
}

func (m *MockCounterStore) Get(ctx context.Context, keys ...string) ([]RateLimits, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.Delegate.Get(ctx, keys...)
}

func (m *MockCounterStore) Increment(ctx context.Context, delta RateLimits, ttl time.Duration, keys ...string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.Delegate.Increment(ctx, delta, ttl, keys...)
}

func (m *MockCounterStore) Reserve(ctx context.Context, keys []string, limits []RateLimits, cost Cost, charge RateLimits, ttl time.Duration) (bool, []RateLimits, error) {
	if err := m.check(ctx); err != nil {
		return false, nil, err
	}
	return m.Delegate.Reserve(ctx, keys, limits, cost, charge, ttl)
}

// MockPlanStore wraps a PlanStore that can be taken down.
type MockPlanStore struct {
	mockSwitch
	Delegate PlanStore
}

func (m *MockPlanStore) GetPlan(ctx context.Context, entityID string, t EntityType) (*UsagePlan, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.Delegate.GetPlan(ctx, entityID, t)
}

func (m *MockPlanStore) CreatePlan(ctx context.Context, plan *UsagePlan) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.Delegate.CreatePlan(ctx, plan)
}

func (m *MockPlanStore) Deactivate(ctx context.Context, entityID string, t EntityType) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.Delegate.Deactivate(ctx, entityID, t)
}

func (m *MockPlanStore) ListByTenant(ctx context.Context, tenantID string) ([]*UsagePlan, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.Delegate.ListByTenant(ctx, tenantID)
}

// MockLedgerStore wraps a LedgerStore that can be taken down.
type MockLedgerStore struct {
	mockSwitch
	Delegate LedgerStore
}

func (m *MockLedgerStore) Put(ctx context.Context, rec *UsageRecord, expiresAt time.Time) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.Delegate.Put(ctx, rec, expiresAt)
}

func (m *MockLedgerStore) Query(ctx context.Context, tenantID string, start, end int64) ([]*UsageRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.Delegate.Query(ctx, tenantID, start, end)
}
