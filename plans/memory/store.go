// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package memory holds plans in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/square/llmquota"
)

// PlanStore is an in-memory llmquota.PlanStore. Plans are copied on the way in and out.
type PlanStore struct {
	*sync.RWMutex
	plans map[string]*llmquota.UsagePlan
}

func NewPlanStore() *PlanStore {
	return &PlanStore{
		RWMutex: &sync.RWMutex{},
		plans:   make(map[string]*llmquota.UsagePlan)}
}

func (m *PlanStore) GetPlan(ctx context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.RLock()
	defer m.RUnlock()

	p, ok := m.plans[llmquota.PlanKey(entityID, t)]
	if !ok {
		return nil, llmquota.ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (m *PlanStore) CreatePlan(ctx context.Context, plan *llmquota.UsagePlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	p := plan.Clone()
	p.Normalize()
	key := llmquota.PlanKey(p.EntityID, p.EntityType)

	m.Lock()
	defer m.Unlock()

	if _, exists := m.plans[key]; exists {
		return llmquota.ErrPlanExists
	}
	m.plans[key] = p
	return nil
}

func (m *PlanStore) Deactivate(ctx context.Context, entityID string, t llmquota.EntityType) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	p, ok := m.plans[llmquota.PlanKey(entityID, t)]
	if !ok {
		return llmquota.ErrPlanNotFound
	}
	p.Active = false
	return nil
}

// ListByTenant returns plans ordered by entity type, then entity id.
func (m *PlanStore) ListByTenant(ctx context.Context, tenantID string) ([]*llmquota.UsagePlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.RLock()
	defer m.RUnlock()

	var plans []*llmquota.UsagePlan
	for _, p := range m.plans {
		if p.TenantID == tenantID {
			plans = append(plans, p.Clone())
		}
	}

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].EntityType != plans[j].EntityType {
			return plans[i].EntityType < plans[j].EntityType
		}
		return plans[i].EntityID < plans[j].EntityID
	})
	return plans, nil
}
