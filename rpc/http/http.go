// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package http exposes the admission engine as JSON over HTTP.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/square/llmquota"
	"github.com/square/llmquota/lifecycle"
	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/stats"
)

// DefaultUsageRange is queried when a usage request has no start.
const DefaultUsageRange = time.Hour

// Engine is what the endpoint serves. *llmquota.Engine implements it.
type Engine interface {
	Resolve(ctx context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, error)
	ResolveOrCreate(ctx context.Context, entityID string, t llmquota.EntityType) (*llmquota.UsagePlan, error)
	CheckLimit(ctx context.Context, plan *llmquota.UsagePlan, modelID, requestText string, maxOutputTokens int64) (*llmquota.RateLimitResult, error)
	RecordUsage(ctx context.Context, plan *llmquota.UsagePlan, modelID string, inputTokens, outputTokens int64) bool
	Complete(ctx context.Context, plan *llmquota.UsagePlan, modelID string, inputTokens, outputTokens int64, metadata map[string]string) (bool, bool)
	CreatePlan(ctx context.Context, plan *llmquota.UsagePlan) (*llmquota.UsagePlan, error)
	RevokePlan(ctx context.Context, planID string, t llmquota.EntityType) (bool, error)
	ListPlansByTenant(ctx context.Context, tenantID string) ([]*llmquota.UsagePlan, error)
	QueryUsage(ctx context.Context, tenantID string, start, end int64) ([]*llmquota.UsageRecord, error)
	Window() time.Duration
}

type Options struct {
	// Stats serves /v1/stats when set.
	Stats stats.Listener
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Clock    clock.PassiveClock
}

// HTTP-backed implementation of an RPC endpoint
type HttpEndpoint struct {
	listen string
	engine Engine
	opts   Options
	mux    *http.ServeMux
	server *http.Server
	lis    net.Listener
	status lifecycle.Tracker
}

func New(listen string, engine Engine, opts Options) *HttpEndpoint {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	e := &HttpEndpoint{listen: listen, engine: engine, opts: opts, mux: http.NewServeMux()}
	e.mux.HandleFunc("POST /v1/plans/resolve", e.handleResolve)
	e.mux.HandleFunc("POST /v1/plans", e.handleCreatePlan)
	e.mux.HandleFunc("DELETE /v1/plans/{type}/{id}", e.handleRevoke)
	e.mux.HandleFunc("POST /v1/check", e.handleCheck)
	e.mux.HandleFunc("POST /v1/usage", e.handleUsage)
	e.mux.HandleFunc("POST /v1/complete", e.handleComplete)
	e.mux.HandleFunc("GET /v1/tenants/{tenant}/plans", e.handleListPlans)
	e.mux.HandleFunc("GET /v1/tenants/{tenant}/usage", e.handleQueryUsage)
	e.mux.HandleFunc("GET /v1/stats/{tenant}", e.handleTopStats)
	e.mux.HandleFunc("GET /v1/stats/{tenant}/{type}/{id}", e.handleEntityStats)
	e.mux.HandleFunc("GET /healthz", e.handleHealth)
	if opts.Gatherer != nil {
		e.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return e
}

// Handler serves every route, with request logging.
func (e *HttpEndpoint) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		e.mux.ServeHTTP(w, r)
		// Paths may carry entity ids, so only the matched pattern is logged.
		pattern := r.Pattern
		if pattern == "" {
			pattern = r.Method + " (no route)"
		}
		logging.Tracef("%v took %v", pattern, time.Since(start))
	})
}

// Start listens on the configured address and serves in the background.
func (e *HttpEndpoint) Start() error {
	if !e.status.Transition(lifecycle.Stopped, lifecycle.Started) {
		return errors.New("endpoint already started")
	}

	lis, err := net.Listen("tcp", e.listen)
	if err != nil {
		e.status.Set(lifecycle.Stopped)
		return err
	}
	e.lis = lis
	e.server = &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logging.Errorf("HTTP server on %v stopped: %v", lis.Addr(), err)
		}
	}()
	logging.Printf("Starting server on %v", lis.Addr())
	logging.Printf("Server status: %v", e.status.Status())
	return nil
}

// Addr is the address being served, once started.
func (e *HttpEndpoint) Addr() string {
	if e.lis == nil {
		return e.listen
	}
	return e.lis.Addr().String()
}

func (e *HttpEndpoint) Status() lifecycle.Status {
	return e.status.Status()
}

// Stop drains in-flight requests until ctx is done.
func (e *HttpEndpoint) Stop(ctx context.Context) error {
	if !e.status.Transition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}
	defer e.status.Set(lifecycle.Stopped)
	return e.server.Shutdown(ctx)
}

func (e *HttpEndpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	if e.status.Status() == lifecycle.Stopping {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, &HealthResponse{Status: e.status.Status().String()})
}

func (e *HttpEndpoint) handleResolve(w http.ResponseWriter, r *http.Request) {
	req := &ResolveRequest{}
	if err := unmarshalJSON(r.Body, req); err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	var plan *llmquota.UsagePlan
	var err error
	if req.Create {
		plan, err = e.engine.ResolveOrCreate(r.Context(), req.EntityID, req.EntityType)
	} else {
		plan, err = e.engine.Resolve(r.Context(), req.EntityID, req.EntityType)
	}
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (e *HttpEndpoint) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	req := &llmquota.UsagePlan{}
	if err := unmarshalJSON(r.Body, req); err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	plan, err := e.engine.CreatePlan(r.Context(), req)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (e *HttpEndpoint) handleRevoke(w http.ResponseWriter, r *http.Request) {
	t, err := llmquota.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	revoked, err := e.engine.RevokePlan(r.Context(), r.PathValue("id"), t)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	if !revoked {
		writeJSONError(w, &httpError{message: "no plan for " + t.String(), reason: llmquota.ER_NOT_FOUND.String(), status: http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, &RevokeResponse{Revoked: true})
}

// handleCheck resolves the plan, provisioning one if needed, and checks the request against
// it. Denied checks carry the result with a 429 or 403.
func (e *HttpEndpoint) handleCheck(w http.ResponseWriter, r *http.Request) {
	req := &CheckRequest{}
	if err := unmarshalJSON(r.Body, req); err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	if req.Model == "" {
		writeJSONError(w, badRequest("model is required"))
		return
	}

	plan, err := e.engine.ResolveOrCreate(r.Context(), req.EntityID, req.EntityType)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	res, err := e.engine.CheckLimit(r.Context(), plan, req.Model, req.Text, req.MaxOutputTokens)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	reset := e.setRateLimitHeaders(w.Header(), res)
	status := http.StatusOK
	if err := res.Err(); err != nil {
		status = toHTTPError(err).status
		if status == http.StatusTooManyRequests {
			retry := reset - e.opts.Clock.Now().Unix()
			w.Header().Set(HeaderRetryAfter, strconv.FormatInt(max(retry, 1), 10))
		}
	}
	writeJSON(w, status, res)
}

// setRateLimitHeaders reports the tighter of the tenant and model scopes, and returns the unix
// time the window resets.
func (e *HttpEndpoint) setRateLimitHeaders(h http.Header, res *llmquota.RateLimitResult) int64 {
	l := res.AppliedLimits
	set := func(limitHeader, remainingHeader string, limit, tenantUsed, modelUsed int64) {
		h.Set(limitHeader, strconv.FormatInt(limit, 10))
		h.Set(remainingHeader, strconv.FormatInt(max(limit-max(tenantUsed, modelUsed), 0), 10))
	}
	set(HeaderLimitRequests, HeaderRemainingRequests, l.RequestsPerMinute,
		res.CurrentUsage.RequestsPerMinute, res.ModelUsage.RequestsPerMinute)
	set(HeaderLimitInputTokens, HeaderRemainingInputTokens, l.InputTokensPerMinute,
		res.CurrentUsage.InputTokensPerMinute, res.ModelUsage.InputTokensPerMinute)
	set(HeaderLimitOutputTokens, HeaderRemainingOutputTokens, l.OutputTokensPerMinute,
		res.CurrentUsage.OutputTokensPerMinute, res.ModelUsage.OutputTokensPerMinute)

	reset := res.Window + int64(e.engine.Window()/time.Second)
	h.Set(HeaderReset, strconv.FormatInt(reset, 10))
	return reset
}

func (e *HttpEndpoint) readUsage(w http.ResponseWriter, r *http.Request) (*UsageRequest, *llmquota.UsagePlan, bool) {
	req := &UsageRequest{}
	if err := unmarshalJSON(r.Body, req); err != nil {
		writeJSONError(w, toHTTPError(err))
		return nil, nil, false
	}
	if req.Model == "" {
		writeJSONError(w, badRequest("model is required"))
		return nil, nil, false
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		writeJSONError(w, badRequest("token counts cannot be negative"))
		return nil, nil, false
	}

	plan, err := e.engine.ResolveOrCreate(r.Context(), req.EntityID, req.EntityType)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return nil, nil, false
	}
	return req, plan, true
}

func (e *HttpEndpoint) handleUsage(w http.ResponseWriter, r *http.Request) {
	req, plan, ok := e.readUsage(w, r)
	if !ok {
		return
	}
	recorded := e.engine.RecordUsage(r.Context(), plan, req.Model, req.InputTokens, req.OutputTokens)
	writeJSON(w, http.StatusOK, &UsageResponse{Recorded: recorded})
}

func (e *HttpEndpoint) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, plan, ok := e.readUsage(w, r)
	if !ok {
		return
	}
	recorded, appended := e.engine.Complete(r.Context(), plan, req.Model, req.InputTokens, req.OutputTokens, req.Metadata)
	writeJSON(w, http.StatusOK, &UsageResponse{Recorded: recorded, Appended: appended})
}

func (e *HttpEndpoint) handleListPlans(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	plans, err := e.engine.ListPlansByTenant(r.Context(), tenant)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	if plans == nil {
		plans = []*llmquota.UsagePlan{}
	}
	writeJSON(w, http.StatusOK, &PlansResponse{TenantID: tenant, Plans: plans})
}

func (e *HttpEndpoint) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	q := r.URL.Query()

	end := e.opts.Clock.Now().Unix()
	if s := q.Get("end"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSONError(w, badRequest("end must be unix seconds"))
			return
		}
		end = v
	}
	start := end - int64(DefaultUsageRange/time.Second)
	if s := q.Get("start"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSONError(w, badRequest("start must be unix seconds"))
			return
		}
		start = v
	}

	recs, err := e.engine.QueryUsage(r.Context(), tenant, start, end)
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}
	if recs == nil {
		recs = []*llmquota.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, &UsageRecordsResponse{TenantID: tenant, Start: start, End: end, Records: recs})
}

func (e *HttpEndpoint) handleTopStats(w http.ResponseWriter, r *http.Request) {
	if e.opts.Stats == nil {
		writeJSONError(w, badRequest("No stats listener configured"))
		return
	}
	tenant := r.PathValue("tenant")
	writeJSON(w, http.StatusOK, &StatsResponse{
		TenantID: tenant,
		Admitted: e.opts.Stats.TopAdmitted(tenant),
		Denied:   e.opts.Stats.TopDenied(tenant)})
}

func (e *HttpEndpoint) handleEntityStats(w http.ResponseWriter, r *http.Request) {
	if e.opts.Stats == nil {
		writeJSONError(w, badRequest("No stats listener configured"))
		return
	}
	t, err := llmquota.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeJSONError(w, toHTTPError(err))
		return
	}

	entity := t.String() + ":" + llmquota.NormalizeEntityID(r.PathValue("id"), t)
	writeJSON(w, http.StatusOK, map[string]*stats.EntityScores{
		entity: e.opts.Stats.Get(r.PathValue("tenant"), entity)})
}
