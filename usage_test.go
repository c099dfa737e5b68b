// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/square/llmquota"
	ledgermem "github.com/square/llmquota/ledger/memory"
)

func newLedger() (*llmquota.UsageLedger, *llmquota.MockLedgerStore, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(windowAligned)
	store := &llmquota.MockLedgerStore{Delegate: ledgermem.NewLedgerStore(clk)}
	return llmquota.NewUsageLedger(store, llmquota.LedgerOptions{Clock: clk}), store, clk
}

func TestNewUsageID(t *testing.T) {
	id := llmquota.NewUsageID(1700000000, "gpt-4o")
	r.Regexp(t, regexp.MustCompile(`^1700000000#gpt-4o#[0-9a-f]{8}$`), id)
	r.NotEqual(t, id, llmquota.NewUsageID(1700000000, "gpt-4o"))
}

func TestAppendFillsInIDAndTimestamp(t *testing.T) {
	require := r.New(t)
	l, _, clk := newLedger()

	rec := &llmquota.UsageRecord{TenantID: "t1", Model: "m1", InputTokens: 10, OutputTokens: 5}
	require.True(l.Append(ctx, rec))
	require.Equal(clk.Now().Unix(), rec.Timestamp)
	require.Regexp(`^\d+#m1#[0-9a-f]{8}$`, rec.UsageID)

	recs, err := l.Query(ctx, "t1", rec.Timestamp, rec.Timestamp)
	require.NoError(err)
	require.Len(recs, 1)
	require.Equal(rec, recs[0])
	require.Equal(int64(15), recs[0].TotalTokens())
}

func TestAppendKeepsGivenIDAndTimestamp(t *testing.T) {
	l, _, _ := newLedger()
	rec := &llmquota.UsageRecord{UsageID: "given", TenantID: "t1", Timestamp: windowAligned.Unix() - 10}
	r.True(t, l.Append(ctx, rec))
	r.Equal(t, "given", rec.UsageID)
	r.Equal(t, windowAligned.Unix()-10, rec.Timestamp)
}

func TestAppendRequiresTenant(t *testing.T) {
	l, store, _ := newLedger()
	r.False(t, l.Append(ctx, nil))
	r.False(t, l.Append(ctx, &llmquota.UsageRecord{Model: "m1"}))
	r.Zero(t, store.Calls())
}

func TestAppendIsBestEffort(t *testing.T) {
	l, store, _ := newLedger()
	store.SetDown(true)
	r.False(t, l.Append(ctx, &llmquota.UsageRecord{TenantID: "t1"}))
	// Never retried.
	r.Equal(t, int64(1), store.Calls())
}

func TestRecordsExpireAfterRetention(t *testing.T) {
	require := r.New(t)
	l, _, clk := newLedger()

	require.True(l.Append(ctx, &llmquota.UsageRecord{TenantID: "t1", Model: "m1"}))
	start := clk.Now().Unix()

	clk.Step(llmquota.LedgerRetention - time.Second)
	recs, err := l.Query(ctx, "t1", start, clk.Now().Unix())
	require.NoError(err)
	require.Len(recs, 1)

	clk.Step(time.Second)
	recs, err = l.Query(ctx, "t1", start, clk.Now().Unix())
	require.NoError(err)
	require.Empty(recs)
}

func TestQueryArguments(t *testing.T) {
	require := r.New(t)
	l, store, _ := newLedger()

	_, err := l.Query(ctx, "", 0, 10)
	reason, _ := llmquota.ReasonOf(err)
	require.Equal(llmquota.ER_INVALID_ARGUMENT, reason)

	_, err = l.Query(ctx, "t1", 10, 0)
	reason, _ = llmquota.ReasonOf(err)
	require.Equal(llmquota.ER_INVALID_ARGUMENT, reason)

	store.SetDown(true)
	_, err = l.Query(ctx, "t1", 0, 10)
	require.True(llmquota.IsStoreUnavailable(err))
	require.True(errors.Is(err, llmquota.ErrMockStoreDown))
}
