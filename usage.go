// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
)

// LedgerRetention is how long usage records are kept.
const LedgerRetention = 30 * 24 * time.Hour

// UsageRecord is the realized usage of one completed invocation. Records are immutable.
type UsageRecord struct {
	UsageID      string            `json:"usage_id"`
	TenantID     string            `json:"tenant_id"`
	Model        string            `json:"model"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
	Timestamp    int64             `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (r *UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// NewUsageID returns {timestamp}#{model}#{random}, unique across concurrent writers of the
// same tenant within the same second.
func NewUsageID(ts int64, model string) string {
	return strconv.FormatInt(ts, 10) + "#" + model + "#" + uuid.New().String()[:8]
}

type LedgerOptions struct {
	Retention time.Duration
	// Timeout bounds every store round trip. Zero disables it.
	Timeout time.Duration
	Clock   clock.PassiveClock
	Metrics *metrics.Metrics
}

// UsageLedger is the append-only audit log of realized usage, the system of record for billing.
// It is independent from the limiter's counters.
type UsageLedger struct {
	store LedgerStore
	opts  LedgerOptions
}

func NewUsageLedger(store LedgerStore, opts LedgerOptions) *UsageLedger {
	if opts.Retention <= 0 {
		opts.Retention = LedgerRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &UsageLedger{store: store, opts: opts}
}

// Append writes rec, filling in UsageID and Timestamp if unset. It is best-effort: failures are
// logged and reported as false, never retried.
func (l *UsageLedger) Append(ctx context.Context, rec *UsageRecord) bool {
	if rec == nil || rec.TenantID == "" {
		logging.Warnf("Refusing to append usage record without tenant: %+v", rec)
		return false
	}

	now := l.opts.Clock.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = now.Unix()
	}
	if rec.UsageID == "" {
		rec.UsageID = NewUsageID(rec.Timestamp, rec.Model)
	}
	expiresAt := time.Unix(rec.Timestamp, 0).Add(l.opts.Retention)

	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	if err := l.store.Put(ctx, rec, expiresAt); err != nil {
		l.opts.Metrics.IncStoreError(metrics.StoreLedger)
		logging.Errorf("Unable to append usage record %v of tenant %v: %v", rec.UsageID, rec.TenantID, err)
		return false
	}
	return true
}

// Query returns the records of tenantID with start <= Timestamp <= end, oldest first.
func (l *UsageLedger) Query(ctx context.Context, tenantID string, start, end int64) ([]*UsageRecord, error) {
	if tenantID == "" {
		return nil, InvalidArgument("tenant id is required")
	}
	if end < start {
		return nil, InvalidArgument("end %d is before start %d", end, start)
	}

	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	recs, err := l.store.Query(ctx, tenantID, start, end)
	if err != nil {
		l.opts.Metrics.IncStoreError(metrics.StoreLedger)
		return nil, StoreUnavailable(metrics.StoreLedger, err)
	}
	return recs, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
