// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	r "github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/square/llmquota"
	countermem "github.com/square/llmquota/counters/memory"
	ledgermem "github.com/square/llmquota/ledger/memory"
	"github.com/square/llmquota/lifecycle"
	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
	planmem "github.com/square/llmquota/plans/memory"
	"github.com/square/llmquota/stats"
)

// windowStart is the start of a 60s window.
var windowStart = time.Unix(1699999980, 0)

type fixture struct {
	clock    *testclock.FakeClock
	counters *llmquota.MockCounterStore
	engine   *llmquota.Engine
	stats    stats.Listener
	server   *httptest.Server
}

func newFixture(t *testing.T, policy llmquota.FailurePolicy) *fixture {
	t.Helper()
	clk := testclock.NewFakeClock(windowStart)
	reg := prometheus.NewRegistry()
	f := &fixture{
		clock:    clk,
		counters: &llmquota.MockCounterStore{Delegate: countermem.NewCounterStore(clk)},
		stats:    stats.NewMemoryStatsListener(clk)}

	engine, err := llmquota.New(llmquota.Components{
		Counters: f.counters,
		Plans:    planmem.NewPlanStore(),
		Ledger:   ledgermem.NewLedgerStore(clk)}, llmquota.Options{
		FailurePolicy:    policy,
		CounterTimeout:   time.Second,
		PlanStoreTimeout: time.Second,
		LedgerTimeout:    time.Second,
		Listener:         f.stats.HandleEvent,
		Clock:            clk,
		Metrics:          metrics.New(reg)})
	r.NoError(t, err)
	t.Cleanup(engine.Close)
	f.engine = engine

	endpoint := New("localhost:0", engine, Options{Stats: f.stats, Gatherer: reg, Clock: clk})
	f.server = httptest.NewServer(endpoint.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body, out interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		r.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	r.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	r.NoError(t, err)
	defer res.Body.Close()

	if out != nil {
		r.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res
}

func (f *fixture) createPlan(t *testing.T, limits llmquota.RateLimits) {
	t.Helper()
	res := f.do(t, "POST", "/v1/plans", &llmquota.UsagePlan{
		EntityID:      "alice",
		EntityType:    llmquota.EntityUser,
		TenantID:      "t1",
		DefaultLimits: limits}, nil)
	r.Equal(t, http.StatusCreated, res.StatusCode)
}

func check(model string, maxOutput int64) *CheckRequest {
	return &CheckRequest{
		Entity:          Entity{EntityID: "alice", EntityType: llmquota.EntityUser},
		Model:           model,
		Text:            "please summarize this short text",
		MaxOutputTokens: maxOutput}
}

func TestCheckAllowed(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.RateLimits{InputTokensPerMinute: 1000, OutputTokensPerMinute: 500, RequestsPerMinute: 60})

	result := &llmquota.RateLimitResult{}
	res := f.do(t, "POST", "/v1/check", check("m1", 100), result)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(result.Allowed)
	require.Equal("t1", result.TenantID)
	require.Equal(windowStart.Unix(), result.Window)

	require.Equal("60", res.Header.Get(HeaderLimitRequests))
	require.Equal("60", res.Header.Get(HeaderRemainingRequests))
	require.Equal("500", res.Header.Get(HeaderLimitOutputTokens))
	require.Equal("1000", res.Header.Get(HeaderRemainingInputTokens))
	require.Equal("1700000040", res.Header.Get(HeaderReset))
	require.Empty(res.Header.Get(HeaderRetryAfter))
}

func TestCheckDenied(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.RateLimits{InputTokensPerMinute: 1000, OutputTokensPerMinute: 500, RequestsPerMinute: 1})

	usage := &UsageRequest{Entity: Entity{EntityID: "alice", EntityType: llmquota.EntityUser}, Model: "m1", InputTokens: 7, OutputTokens: 80}
	recorded := &UsageResponse{}
	f.do(t, "POST", "/v1/usage", usage, recorded)
	require.True(recorded.Recorded)

	f.clock.Step(15 * time.Second)
	result := &llmquota.RateLimitResult{}
	res := f.do(t, "POST", "/v1/check", check("m1", 100), result)
	require.Equal(http.StatusTooManyRequests, res.StatusCode)
	require.False(result.Allowed)
	require.Equal("tenant.requests_per_minute", result.Exceeded)
	require.Equal("0", res.Header.Get(HeaderRemainingRequests))
	require.Equal("45", res.Header.Get(HeaderRetryAfter))

	// A new window admits again.
	f.clock.Step(time.Minute)
	res = f.do(t, "POST", "/v1/check", check("m1", 100), result)
	require.Equal(http.StatusOK, res.StatusCode)
}

func TestCheckForbidden(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	res := f.do(t, "POST", "/v1/plans", &llmquota.UsagePlan{
		EntityID:         "alice",
		EntityType:       llmquota.EntityUser,
		TenantID:         "t1",
		ModelPermissions: []string{"m1"},
		DefaultLimits:    llmquota.DefaultRateLimits}, nil)
	require.Equal(http.StatusCreated, res.StatusCode)

	result := &llmquota.RateLimitResult{}
	res = f.do(t, "POST", "/v1/check", check("m2", 0), result)
	require.Equal(http.StatusForbidden, res.StatusCode)
	require.Equal(llmquota.ExceededModelNotPermitted, result.Exceeded)

	revoked := &RevokeResponse{}
	res = f.do(t, "DELETE", "/v1/plans/user/alice", nil, revoked)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(revoked.Revoked)

	// Without a cache the revocation is seen immediately.
	res = f.do(t, "POST", "/v1/check", check("m1", 0), result)
	require.Equal(http.StatusForbidden, res.StatusCode)
	require.Equal(llmquota.ExceededPlanInactive, result.Exceeded)
}

func TestCheckStoreUnavailable(t *testing.T) {
	require := r.New(t)

	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.DefaultRateLimits)
	f.counters.SetDown(true)

	errResponse := &ErrorResponse{}
	res := f.do(t, "POST", "/v1/check", check("m1", 0), errResponse)
	require.Equal(http.StatusServiceUnavailable, res.StatusCode)
	require.Equal("ER_STORE_UNAVAILABLE", errResponse.Reason)

	f = newFixture(t, llmquota.FailOpen)
	f.createPlan(t, llmquota.DefaultRateLimits)
	f.counters.SetDown(true)

	result := &llmquota.RateLimitResult{}
	res = f.do(t, "POST", "/v1/check", check("m1", 0), result)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(result.Allowed)
	require.True(result.Degraded)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, llmquota.FailClosed)

	for _, tc := range []struct {
		method, path, body string
		status             int
	}{
		{"POST", "/v1/check", "", http.StatusBadRequest},
		{"POST", "/v1/check", "{not json", http.StatusBadRequest},
		{"POST", "/v1/check", `{"entity_id":"alice","entity_type":"USER"}`, http.StatusBadRequest},
		{"POST", "/v1/check", `{"entity_id":"alice","entity_type":"ROBOT","model":"m1"}`, http.StatusBadRequest},
		{"POST", "/v1/usage", `{"entity_id":"alice","entity_type":"USER","model":"m1","input_tokens":-1}`, http.StatusBadRequest},
		{"DELETE", "/v1/plans/robot/alice", "", http.StatusBadRequest},
		{"DELETE", "/v1/plans/user/nobody", "", http.StatusNotFound},
		{"DELETE", "/v1/plans/api_key/sk-live-raw", "", http.StatusBadRequest},
		{"POST", "/v1/check", `{"entity_id":"sha256_` + strings.Repeat("ab", 32) + `","entity_type":"API_KEY","model":"m1"}`, http.StatusBadRequest},
		{"GET", "/v1/tenants/t1/usage?start=yesterday", "", http.StatusBadRequest},
		{"GET", "/v1/tenants/t1/usage?start=10&end=0", "", http.StatusBadRequest},
		{"POST", "/v1/plans/resolve", `{"entity_id":"nobody","entity_type":"USER"}`, http.StatusNotFound},
		{"GET", "/v1/check", "", http.StatusMethodNotAllowed},
	} {
		req, err := http.NewRequest(tc.method, f.server.URL+tc.path, strings.NewReader(tc.body))
		r.NoError(t, err)
		res, err := http.DefaultClient.Do(req)
		r.NoError(t, err)
		_ = res.Body.Close()
		r.Equal(t, tc.status, res.StatusCode, "%v %v %v", tc.method, tc.path, tc.body)
	}
}

func TestPlanRoutes(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.DefaultRateLimits)

	errResponse := &ErrorResponse{}
	res := f.do(t, "POST", "/v1/plans", &llmquota.UsagePlan{EntityID: "alice", EntityType: llmquota.EntityUser}, errResponse)
	require.Equal(http.StatusConflict, res.StatusCode)
	require.Equal("ER_PLAN_EXISTS", errResponse.Reason)

	plan := &llmquota.UsagePlan{}
	res = f.do(t, "POST", "/v1/plans/resolve", &ResolveRequest{Entity: Entity{EntityID: "sk-live-1", EntityType: llmquota.EntityAPIKey}, Create: true}, plan)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Equal(llmquota.HashAPIKey("sk-live-1"), plan.EntityID)

	plans := &PlansResponse{}
	res = f.do(t, "GET", "/v1/tenants/t1/plans", nil, plans)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Len(plans.Plans, 1)
	require.Equal("alice", plans.Plans[0].EntityID)

	res = f.do(t, "GET", "/v1/tenants/nobody/plans", nil, plans)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Empty(plans.Plans)
}

func TestCreatePlanWithoutLimits(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)

	plan := &llmquota.UsagePlan{}
	res := f.do(t, "POST", "/v1/plans", map[string]string{"entity_id": "alice", "entity_type": "USER", "tenant_id": "t1"}, plan)
	require.Equal(http.StatusCreated, res.StatusCode)
	require.Equal(llmquota.DefaultRateLimits, plan.DefaultLimits)

	result := &llmquota.RateLimitResult{}
	res = f.do(t, "POST", "/v1/check", check("m1", 100), result)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(result.Allowed)
}

func TestHashShapedAPIKey(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	hashShaped := Entity{EntityID: "sha256_" + strings.Repeat("ab", 32), EntityType: llmquota.EntityAPIKey}

	errResponse := &ErrorResponse{}
	res := f.do(t, "POST", "/v1/plans/resolve", &ResolveRequest{Entity: hashShaped, Create: true}, errResponse)
	require.Equal(http.StatusBadRequest, res.StatusCode)
	require.Equal("ER_INVALID_ARGUMENT", errResponse.Reason)

	res = f.do(t, "POST", "/v1/plans", &llmquota.UsagePlan{EntityID: hashShaped.EntityID, EntityType: llmquota.EntityAPIKey}, errResponse)
	require.Equal(http.StatusBadRequest, res.StatusCode)

	plans := &PlansResponse{}
	f.do(t, "GET", "/v1/tenants/"+llmquota.SystemTenant+"/plans", nil, plans)
	require.Empty(plans.Plans)
}

func TestRevokeAPIKeyByHash(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)

	plan := &llmquota.UsagePlan{}
	res := f.do(t, "POST", "/v1/plans/resolve", &ResolveRequest{Entity: Entity{EntityID: "sk-live-1", EntityType: llmquota.EntityAPIKey}, Create: true}, plan)
	require.Equal(http.StatusOK, res.StatusCode)

	errResponse := &ErrorResponse{}
	res = f.do(t, "DELETE", "/v1/plans/API_KEY/sk-live-1", nil, errResponse)
	require.Equal(http.StatusBadRequest, res.StatusCode)
	require.Equal("ER_INVALID_ARGUMENT", errResponse.Reason)

	revoked := &RevokeResponse{}
	res = f.do(t, "DELETE", "/v1/plans/API_KEY/"+plan.EntityID, nil, revoked)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(revoked.Revoked)
}

func TestRequestLogOmitsPaths(t *testing.T) {
	require := r.New(t)
	capture := logging.NewCaptureLogger()
	prev := logging.CurrentLogger()
	logging.SetLogger(capture)
	t.Cleanup(func() { logging.SetLogger(prev) })

	f := newFixture(t, llmquota.FailClosed)
	const secret = "sk-live-SECRET123"
	f.do(t, "DELETE", "/v1/plans/API_KEY/"+secret, nil, nil)
	f.do(t, "GET", "/v1/stats/t1/API_KEY/"+secret, nil, nil)
	f.do(t, "GET", "/v1/nothing/"+secret, nil, nil)

	require.True(capture.Contains("DELETE /v1/plans/{type}/{id}"), "%v", capture.Lines())
	require.True(capture.Contains("GET /v1/stats/{tenant}/{type}/{id}"), "%v", capture.Lines())
	require.True(capture.Contains("GET (no route)"), "%v", capture.Lines())
	require.False(capture.Contains(secret), "%v", capture.Lines())
}

func TestCompleteAndQueryUsage(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.DefaultRateLimits)

	done := &UsageResponse{}
	res := f.do(t, "POST", "/v1/complete", &UsageRequest{
		Entity:       Entity{EntityID: "alice", EntityType: llmquota.EntityUser},
		Model:        "m1",
		InputTokens:  10,
		OutputTokens: 20,
		Metadata:     map[string]string{"request_id": "r-1"}}, done)
	require.Equal(http.StatusOK, res.StatusCode)
	require.True(done.Recorded)
	require.True(done.Appended)

	usage := &UsageRecordsResponse{}
	res = f.do(t, "GET", "/v1/tenants/t1/usage", nil, usage)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Equal(windowStart.Unix(), usage.End)
	require.Equal(windowStart.Unix()-3600, usage.Start)
	require.Len(usage.Records, 1)
	require.Equal(int64(30), usage.Records[0].TotalTokens())
	require.Equal("r-1", usage.Records[0].Metadata["request_id"])

	res = f.do(t, "GET", "/v1/tenants/t1/usage?start=0&end=10", nil, usage)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Empty(usage.Records)
}

func TestStatsRoutes(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.RateLimits{InputTokensPerMinute: 1000, OutputTokensPerMinute: 500, RequestsPerMinute: 60})

	f.do(t, "POST", "/v1/check", check("m1", 100), nil)
	require.Eventually(func() bool {
		return f.stats.Get("t1", "USER:alice").Admitted > 0
	}, time.Second, time.Millisecond)

	top := &StatsResponse{}
	res := f.do(t, "GET", "/v1/stats/t1", nil, top)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Len(top.Admitted, 1)
	require.Equal("USER:alice", top.Admitted[0].Entity)
	// 6.65 estimated input tokens truncate to 6, plus 100 output.
	require.Equal(int64(106), top.Admitted[0].Score)

	scores := map[string]*stats.EntityScores{}
	res = f.do(t, "GET", "/v1/stats/t1/user/alice", nil, &scores)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Equal(int64(106), scores["USER:alice"].Admitted)
}

func TestMetricsAndHealth(t *testing.T) {
	require := r.New(t)
	f := newFixture(t, llmquota.FailClosed)
	f.createPlan(t, llmquota.DefaultRateLimits)
	f.do(t, "POST", "/v1/check", check("m1", 0), nil)

	res, err := http.Get(f.server.URL + "/metrics")
	require.NoError(err)
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	require.NoError(err)
	require.Contains(string(body), `llmquota_checks_total{result="allowed"} 1`)

	health := &HealthResponse{}
	res = f.do(t, "GET", "/healthz", nil, health)
	require.Equal(http.StatusOK, res.StatusCode)
	require.Equal("Stopped", health.Status)
}

func TestNoStatsListener(t *testing.T) {
	engine, err := llmquota.New(llmquota.Components{
		Counters: countermem.NewCounterStore(nil),
		Plans:    planmem.NewPlanStore(),
		Ledger:   ledgermem.NewLedgerStore(nil)}, llmquota.Options{})
	r.NoError(t, err)
	defer engine.Close()

	server := httptest.NewServer(New("localhost:0", engine, Options{}).Handler())
	defer server.Close()

	for _, path := range []string{"/v1/stats/t1", "/metrics"} {
		res, err := http.Get(server.URL + path)
		r.NoError(t, err)
		_ = res.Body.Close()
		r.NotEqual(t, http.StatusOK, res.StatusCode, path)
	}
}

func TestStartStop(t *testing.T) {
	require := r.New(t)
	engine, err := llmquota.New(llmquota.Components{
		Counters: countermem.NewCounterStore(nil),
		Plans:    planmem.NewPlanStore(),
		Ledger:   ledgermem.NewLedgerStore(nil)}, llmquota.Options{})
	require.NoError(err)
	defer engine.Close()

	e := New("127.0.0.1:0", engine, Options{})
	require.Equal(lifecycle.Stopped, e.Status())
	require.NoError(e.Start())
	require.Error(e.Start())
	require.Equal(lifecycle.Started, e.Status())

	res, err := http.Get("http://" + e.Addr() + "/healthz")
	require.NoError(err)
	_ = res.Body.Close()
	require.Equal(http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(e.Stop(ctx))
	require.Equal(lifecycle.Stopped, e.Status())
	require.NoError(e.Stop(ctx))
}
