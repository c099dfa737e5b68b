// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package sqlledger keeps usage records in a SQL table, on MySQL or SQLite. Rows carry their own
// expiry and are deleted by a Pruner.
package sqlledger

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/utils/clock"

	"github.com/square/llmquota"
	"github.com/square/llmquota/internal/sqlutil"
	"github.com/square/llmquota/logging"
)

const (
	table     = "usage_records"
	storeName = "ledger"
)

var columns = []string{"tenant_id", "usage_id", "model", "input_tokens", "output_tokens", "ts",
	"metadata", "expires_at"}

var schema = map[string][]string{
	sqlutil.MySQL: {`CREATE TABLE IF NOT EXISTS usage_records (
		tenant_id VARCHAR(255) NOT NULL,
		usage_id VARCHAR(255) NOT NULL,
		model VARCHAR(255) NOT NULL,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		ts BIGINT NOT NULL,
		metadata TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, usage_id),
		INDEX idx_usage_records_ts (tenant_id, ts),
		INDEX idx_usage_records_expiry (expires_at)
	) CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci`},
	sqlutil.SQLite: {`CREATE TABLE IF NOT EXISTS usage_records (
		tenant_id TEXT NOT NULL,
		usage_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		metadata TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, usage_id)
	)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_ts ON usage_records (tenant_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_expiry ON usage_records (expires_at)`},
}

type recordRow struct {
	TenantID     string `db:"tenant_id"`
	UsageID      string `db:"usage_id"`
	Model        string `db:"model"`
	InputTokens  int64  `db:"input_tokens"`
	OutputTokens int64  `db:"output_tokens"`
	Timestamp    int64  `db:"ts"`
	Metadata     string `db:"metadata"`
	ExpiresAt    int64  `db:"expires_at"`
}

// LedgerStore is a llmquota.LedgerStore on a SQL table keyed by (tenant_id, usage_id).
type LedgerStore struct {
	db     *sqlx.DB
	driver string
	clock  clock.PassiveClock
}

// New wraps an open database. driver is sqlutil.MySQL or sqlutil.SQLite. A nil clk uses the
// real clock.
func New(db *sqlx.DB, driver string, clk clock.PassiveClock) *LedgerStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LedgerStore{db: db, driver: driver, clock: clk}
}

// EnsureSchema creates the usage table if it does not exist.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	logging.Trace("Verifying table usage_records exists")
	return sqlutil.Exec(ctx, s.db, schema[s.driver]...)
}

func (s *LedgerStore) Close() error {
	return s.db.Close()
}

func (s *LedgerStore) Put(ctx context.Context, rec *llmquota.UsageRecord, expiresAt time.Time) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	q, args, err := sqlutil.Builder.Insert(table).Columns(columns...).
		Values(rec.TenantID, rec.UsageID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.Timestamp,
			string(b), expiresAt.Unix()).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if sqlutil.IsDuplicate(err) {
			return llmquota.InvalidArgument("usage record %v already exists", rec.UsageID)
		}
		return llmquota.StoreUnavailable(storeName, err)
	}
	return nil
}

func (s *LedgerStore) Query(ctx context.Context, tenantID string, start, end int64) ([]*llmquota.UsageRecord, error) {
	q, args, err := sqlutil.Builder.Select(columns...).From(table).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.GtOrEq{"ts": start}).
		Where(sq.LtOrEq{"ts": end}).
		Where(sq.Gt{"expires_at": s.clock.Now().Unix()}).
		OrderBy("ts ASC", "usage_id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, llmquota.StoreUnavailable(storeName, err)
	}

	recs := make([]*llmquota.UsageRecord, 0, len(rows))
	for _, r := range rows {
		rec := &llmquota.UsageRecord{
			UsageID:      r.UsageID,
			TenantID:     r.TenantID,
			Model:        r.Model,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			Timestamp:    r.Timestamp}
		if err := json.Unmarshal([]byte(r.Metadata), &rec.Metadata); err != nil {
			logging.Warnf("Dropping undecodable metadata of usage record %v: %v", r.UsageID, err)
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteExpired removes every row whose expiry has passed, returning how many were removed.
func (s *LedgerStore) DeleteExpired(ctx context.Context) (int64, error) {
	q, args, err := sqlutil.Builder.Delete(table).
		Where(sq.LtOrEq{"expires_at": s.clock.Now().Unix()}).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, llmquota.StoreUnavailable(storeName, err)
	}
	return res.RowsAffected()
}
