// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package sqlstore keeps plans in a SQL table, on MySQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/utils/clock"

	"github.com/square/llmquota"
	"github.com/square/llmquota/internal/sqlutil"
	"github.com/square/llmquota/logging"
)

const (
	table     = "usage_plans"
	storeName = "plan store"
)

var columns = []string{"entity_type", "entity_id", "tenant_id", "model_permissions", "default_limits",
	"model_limits", "active", "created_at", "updated_at"}

var schema = map[string][]string{
	sqlutil.MySQL: {`CREATE TABLE IF NOT EXISTS usage_plans (
		entity_type VARCHAR(32) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		model_permissions TEXT NOT NULL,
		default_limits TEXT NOT NULL,
		model_limits TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (entity_type, entity_id),
		INDEX idx_usage_plans_tenant (tenant_id)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci`},
	sqlutil.SQLite: {`CREATE TABLE IF NOT EXISTS usage_plans (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		model_permissions TEXT NOT NULL,
		default_limits TEXT NOT NULL,
		model_limits TEXT NOT NULL,
		active INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_plans_tenant ON usage_plans (tenant_id)`},
}

type planRow struct {
	EntityType       string `db:"entity_type"`
	EntityID         string `db:"entity_id"`
	TenantID         string `db:"tenant_id"`
	ModelPermissions string `db:"model_permissions"`
	DefaultLimits    string `db:"default_limits"`
	ModelLimits      string `db:"model_limits"`
	Active           bool   `db:"active"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

// PlanStore is a llmquota.PlanStore on a SQL table keyed by (entity_type, entity_id).
type PlanStore struct {
	db     *sqlx.DB
	driver string
	clock  clock.PassiveClock
}

// New wraps an open database. driver is sqlutil.MySQL or sqlutil.SQLite. A nil clk uses the
// real clock.
func New(db *sqlx.DB, driver string, clk clock.PassiveClock) *PlanStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PlanStore{db: db, driver: driver, clock: clk}
}

// EnsureSchema creates the plans table if it does not exist.
func (s *PlanStore) EnsureSchema(ctx context.Context) error {
	logging.Trace("Verifying table usage_plans exists")
	return sqlutil.Exec(ctx, s.db, schema[s.driver]...)
}

func (s *PlanStore) Close() error {
	return s.db.Close()
}

func (s *PlanStore) GetPlan(ctx context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, error) {
	q, args, err := sqlutil.Builder.Select(columns...).From(table).
		Where(sq.Eq{"entity_type": string(t), "entity_id": llmquota.NormalizeEntityID(entityID, t)}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row planRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, llmquota.ErrPlanNotFound
		}
		return nil, llmquota.StoreUnavailable(storeName, err)
	}
	return row.toPlan()
}

func (s *PlanStore) CreatePlan(ctx context.Context, plan *llmquota.UsagePlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	p := plan.Clone()
	p.Normalize()

	row, err := fromPlan(p)
	if err != nil {
		return err
	}

	q, args, err := sqlutil.Builder.Insert(table).Columns(columns...).
		Values(row.EntityType, row.EntityID, row.TenantID, row.ModelPermissions, row.DefaultLimits,
			row.ModelLimits, row.Active, row.CreatedAt, row.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if sqlutil.IsDuplicate(err) {
			return llmquota.ErrPlanExists
		}
		return llmquota.StoreUnavailable(storeName, err)
	}
	return nil
}

func (s *PlanStore) Deactivate(ctx context.Context, entityID string, t llmquota.EntityType) error {
	where := sq.Eq{"entity_type": string(t), "entity_id": llmquota.NormalizeEntityID(entityID, t)}
	q, args, err := sqlutil.Builder.Update(table).
		Set("active", false).
		Set("updated_at", toNanos(s.clock.Now())).
		Where(where).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return llmquota.StoreUnavailable(storeName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// MySQL reports no affected rows when nothing changed, so check the row exists.
	_, err = s.GetPlan(ctx, entityID, t)
	return err
}

func (s *PlanStore) ListByTenant(ctx context.Context, tenantID string) ([]*llmquota.UsagePlan, error) {
	q, args, err := sqlutil.Builder.Select(columns...).From(table).
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("entity_type ASC", "entity_id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []planRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, llmquota.StoreUnavailable(storeName, err)
	}

	plans := make([]*llmquota.UsagePlan, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPlan()
		if err != nil {
			logging.Warnf("Skipping undecodable plan %v:%v: %v", r.EntityType, r.EntityID, err)
			continue
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func fromPlan(p *llmquota.UsagePlan) (*planRow, error) {
	perms, err := json.Marshal(p.ModelPermissions)
	if err != nil {
		return nil, err
	}
	defaults, err := json.Marshal(p.DefaultLimits)
	if err != nil {
		return nil, err
	}
	modelLimits := p.ModelLimits
	if modelLimits == nil {
		modelLimits = map[string]llmquota.RateLimits{}
	}
	overrides, err := json.Marshal(modelLimits)
	if err != nil {
		return nil, err
	}

	return &planRow{
		EntityType:       string(p.EntityType),
		EntityID:         p.EntityID,
		TenantID:         p.TenantID,
		ModelPermissions: string(perms),
		DefaultLimits:    string(defaults),
		ModelLimits:      string(overrides),
		Active:           p.Active,
		CreatedAt:        toNanos(p.CreatedAt),
		UpdatedAt:        toNanos(p.UpdatedAt)}, nil
}

func (r *planRow) toPlan() (*llmquota.UsagePlan, error) {
	p := &llmquota.UsagePlan{
		EntityType: llmquota.EntityType(r.EntityType),
		EntityID:   r.EntityID,
		TenantID:   r.TenantID,
		Active:     r.Active,
		CreatedAt:  fromNanos(r.CreatedAt),
		UpdatedAt:  fromNanos(r.UpdatedAt)}

	if err := json.Unmarshal([]byte(r.ModelPermissions), &p.ModelPermissions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.DefaultLimits), &p.DefaultLimits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.ModelLimits), &p.ModelLimits); err != nil {
		return nil, err
	}
	if len(p.ModelLimits) == 0 {
		p.ModelLimits = nil
	}
	return p, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
