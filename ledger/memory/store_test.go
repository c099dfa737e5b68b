// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package memory

import (
	"context"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/square/llmquota"
)

var ctx = context.Background()

func TestPutAndQuery(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(1000, 0))
	s := NewLedgerStore(clk)
	expires := clk.Now().Add(time.Hour)

	for _, rec := range []*llmquota.UsageRecord{
		{UsageID: "300#m1#a", TenantID: "t1", Model: "m1", Timestamp: 300},
		{UsageID: "100#m1#a", TenantID: "t1", Model: "m1", Timestamp: 100},
		{UsageID: "200#m1#a", TenantID: "t1", Model: "m1", Timestamp: 200},
		{UsageID: "200#m1#b", TenantID: "t2", Model: "m1", Timestamp: 200}} {
		if err := s.Put(ctx, rec, expires); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.Query(ctx, "t1", 100, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Timestamp != 100 || recs[1].Timestamp != 200 {
		t.Fatalf("Unexpected records %v", recs)
	}
}

func TestExpiry(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(1000, 0))
	s := NewLedgerStore(clk)

	_ = s.Put(ctx, &llmquota.UsageRecord{UsageID: "a", TenantID: "t1", Timestamp: 1000}, clk.Now().Add(time.Hour))
	_ = s.Put(ctx, &llmquota.UsageRecord{UsageID: "b", TenantID: "t1", Timestamp: 1000}, clk.Now().Add(2*time.Hour))

	clk.Step(time.Hour)
	recs, _ := s.Query(ctx, "t1", 0, 2000)
	if len(recs) != 1 || recs[0].UsageID != "b" {
		t.Fatalf("Expected only the unexpired record, got %v", recs)
	}

	if n := s.Prune(); n != 1 {
		t.Fatalf("Expected 1 pruned, got %v", n)
	}
}

func TestRecordsAreCopied(t *testing.T) {
	s := NewLedgerStore(nil)
	rec := &llmquota.UsageRecord{UsageID: "a", TenantID: "t1", Timestamp: 10, Metadata: map[string]string{"k": "v"}}
	_ = s.Put(ctx, rec, time.Now().Add(time.Hour))
	rec.Metadata["k"] = "changed"

	recs, _ := s.Query(ctx, "t1", 0, 100)
	if recs[0].Metadata["k"] != "v" {
		t.Fatalf("Stored record was mutated: %v", recs[0].Metadata)
	}
}
