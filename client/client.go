// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package client talks to an llmquota server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/square/llmquota"
	qshttp "github.com/square/llmquota/rpc/http"
)

// Client is an llmquota client class, adding syntactic sugar over the raw HTTP calls. Errors
// returned by the server are rebuilt as llmquota errors, so llmquota.IsDenied and friends work
// on them.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080. A nil hc uses
// http.DefaultClient.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

// Check asks whether the entity may send text to model. Denials are not errors: the result
// tells why the request was refused.
func (c *Client) Check(ctx context.Context, req *qshttp.CheckRequest) (*llmquota.RateLimitResult, error) {
	res := &llmquota.RateLimitResult{}
	err := c.do(ctx, http.MethodPost, "/v1/check", req, res, http.StatusOK, http.StatusTooManyRequests, http.StatusForbidden)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Admit is Check, with a denial returned as an error.
func (c *Client) Admit(ctx context.Context, req *qshttp.CheckRequest) (*llmquota.RateLimitResult, error) {
	res, err := c.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

// Complete reports the realized usage of a finished call.
func (c *Client) Complete(ctx context.Context, req *qshttp.UsageRequest) (*qshttp.UsageResponse, error) {
	res := &qshttp.UsageResponse{}
	if err := c.do(ctx, http.MethodPost, "/v1/complete", req, res, http.StatusOK); err != nil {
		return nil, err
	}
	return res, nil
}

// RecordUsage folds realized usage into the rate-limit counters only.
func (c *Client) RecordUsage(ctx context.Context, req *qshttp.UsageRequest) (bool, error) {
	res := &qshttp.UsageResponse{}
	if err := c.do(ctx, http.MethodPost, "/v1/usage", req, res, http.StatusOK); err != nil {
		return false, err
	}
	return res.Recorded, nil
}

func (c *Client) Resolve(ctx context.Context, entityID string, t llmquota.EntityType, create bool) (*llmquota.UsagePlan, error) {
	req := &qshttp.ResolveRequest{Entity: qshttp.Entity{EntityID: entityID, EntityType: t}, Create: create}
	plan := &llmquota.UsagePlan{}
	if err := c.do(ctx, http.MethodPost, "/v1/plans/resolve", req, plan, http.StatusOK); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Client) CreatePlan(ctx context.Context, plan *llmquota.UsagePlan) (*llmquota.UsagePlan, error) {
	created := &llmquota.UsagePlan{}
	if err := c.do(ctx, http.MethodPost, "/v1/plans", plan, created, http.StatusCreated); err != nil {
		return nil, err
	}
	return created, nil
}

// Revoke reports false if the entity has no plan. An API key may be given raw or as its stored
// hash. Raw keys are hashed before they are put in the URL.
func (c *Client) Revoke(ctx context.Context, entityID string, t llmquota.EntityType) (bool, error) {
	path := "/v1/plans/" + url.PathEscape(t.String()) + "/" + url.PathEscape(llmquota.NormalizeEntityID(entityID, t))
	err := c.do(ctx, http.MethodDelete, path, nil, &qshttp.RevokeResponse{}, http.StatusOK)
	switch {
	case err == nil:
		return true, nil
	case llmquota.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) ListPlans(ctx context.Context, tenantID string) ([]*llmquota.UsagePlan, error) {
	res := &qshttp.PlansResponse{}
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(tenantID)+"/plans", nil, res, http.StatusOK); err != nil {
		return nil, err
	}
	return res.Plans, nil
}

// QueryUsage returns ledger records within [start, end], unix seconds. Zero values leave the
// bound to the server.
func (c *Client) QueryUsage(ctx context.Context, tenantID string, start, end int64) ([]*llmquota.UsageRecord, error) {
	q := url.Values{}
	if start != 0 {
		q.Set("start", strconv.FormatInt(start, 10))
	}
	if end != 0 {
		q.Set("end", strconv.FormatInt(end, 10))
	}
	path := "/v1/tenants/" + url.PathEscape(tenantID) + "/usage"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	res := &qshttp.UsageRecordsResponse{}
	if err := c.do(ctx, http.MethodGet, path, nil, res, http.StatusOK); err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (c *Client) TopStats(ctx context.Context, tenantID string) (*qshttp.StatsResponse, error) {
	res := &qshttp.StatsResponse{}
	if err := c.do(ctx, http.MethodGet, "/v1/stats/"+url.PathEscape(tenantID), nil, res, http.StatusOK); err != nil {
		return nil, err
	}
	return res, nil
}

// do sends body as JSON and decodes the response into out when the status is one of ok.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, ok ...int) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return llmquota.StoreUnavailable("llmquota server", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, status := range ok {
		if resp.StatusCode == status {
			return json.NewDecoder(resp.Body).Decode(out)
		}
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	e := &qshttp.ErrorResponse{}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, e); err != nil || e.Description == "" {
		e.Description = strings.TrimSpace(string(b))
	}

	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, e.Description)
	if reason, ok := llmquota.ParseErrorReason(e.Reason); ok {
		return llmquota.NewError(reason, msg)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return llmquota.NewError(llmquota.ER_STORE_UNAVAILABLE, msg)
	}
	return errors.New(msg)
}
